package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Krypt/pkg/interfaces"
)

var testPayload = interfaces.EncryptedPayload{
	EncryptedData: "ZGF0YQ==",
	IV:            "aXY=",
	EncryptedKey:  "a2V5",
}

func TestEncodeDecode_AllVariants(t *testing.T) {
	envs := []Envelope{
		Register{UUID: "me", PublicKey: "pk"},
		Message{From: "a", To: "b", ID: 42, Payload: testPayload},
		Message{From: "a", To: "b", Payload: testPayload},
		Receipt{From: "b", To: "a", Kind: ReceiptDelivered, MessageRefID: 42},
		Receipt{From: "b", To: "a", Kind: ReceiptReadAll},
		FileChunk{From: "a", To: "b", Chunk: interfaces.EncryptedFileChunk{
			FileName: "photo.jpg", MimeType: "image/jpeg", ChunkIndex: 2, TotalChunks: 3,
			EncryptedPayload: testPayload,
		}},
		GetPublicKey{From: "a", Target: "b"},
		PublicKeyResponse{Target: "b", PublicKey: "pk-b"},
		Status{From: "a", Payload: testPayload},
		Offer{From: "a", To: "b", SDP: "v=0 offer"},
		Answer{From: "b", To: "a", SDP: "v=0 answer"},
		ICE{From: "a", To: "b", Candidate: interfaces.ICECandidate{Candidate: "candidate:1", SDPMid: "0", SDPMLineIndex: 1}},
	}

	for _, env := range envs {
		t.Run(Label(env), func(t *testing.T) {
			data, err := Encode(env)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, env, got)
		})
	}
}

func TestEncode_WireFieldNames(t *testing.T) {
	data, err := Encode(FileChunk{From: "a", To: "b", Chunk: interfaces.EncryptedFileChunk{
		FileName: "f.bin", MimeType: "application/octet-stream", ChunkIndex: 0, TotalChunks: 1,
		EncryptedPayload: testPayload,
	}})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "file_chunk", raw["type"])
	payload := raw["payload"].(map[string]any)
	for _, k := range []string{"fileName", "mimeType", "chunkIndex", "totalChunks", "encryptedData", "iv", "encryptedKey"} {
		assert.Contains(t, payload, k)
	}

	data, err = Encode(Receipt{From: "b", To: "a", Kind: ReceiptDelivered, MessageRefID: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","from":"b","to":"a","receipt_type":"delivered","message_ref_id":7}`, string(data))

	data, err = Encode(ICE{From: "a", To: "b", Candidate: interfaces.ICECandidate{Candidate: "c"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"webrtc_ice","from":"a","to":"b","candidate":"c","sdpMid":"","sdpMLineIndex":0}`, string(data))
}

func TestDecode_ICEOptionalFieldsDefault(t *testing.T) {
	env, err := Decode([]byte(`{"type":"webrtc_ice","from":"a","to":"b","candidate":"c"}`))
	require.NoError(t, err)
	assert.Equal(t, ICE{From: "a", To: "b", Candidate: interfaces.ICECandidate{Candidate: "c"}}, env)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":              `{"type":`,
		"array":                 `[1,2]`,
		"no type":               `{"from":"a"}`,
		"register without key":  `{"type":"register","uuid":"me"}`,
		"message without to":    `{"type":"message","from":"a","payload":{"encryptedData":"x","iv":"y","encryptedKey":"z"}}`,
		"message no payload":    `{"type":"message","from":"a","to":"b"}`,
		"message partial":       `{"type":"message","from":"a","to":"b","payload":{"encryptedData":"x","iv":"y"}}`,
		"delivered without ref": `{"type":"message","from":"a","to":"b","receipt_type":"delivered"}`,
		"unknown receipt":       `{"type":"message","from":"a","to":"b","receipt_type":"seen"}`,
		"chunk index range":     `{"type":"file_chunk","from":"a","to":"b","payload":{"fileName":"f","chunkIndex":3,"totalChunks":3,"encryptedData":"x","iv":"y","encryptedKey":"z"}}`,
		"chunk no name":         `{"type":"file_chunk","from":"a","to":"b","payload":{"chunkIndex":0,"totalChunks":1,"encryptedData":"x","iv":"y","encryptedKey":"z"}}`,
		"get key no target":     `{"type":"get_public_key","from":"a"}`,
		"key response no key":   `{"type":"public_key_response","target":"b"}`,
		"offer without sdp":     `{"type":"webrtc_offer","from":"a","to":"b"}`,
		"ice no candidate":      `{"type":"webrtc_ice","from":"a","to":"b"}`,
		"payload wrong shape":   `{"type":"status","from":"a","payload":"text"}`,
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"group_message","from":"a"}`))
	require.ErrorIs(t, err, ErrUnknownType)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestEncode_RejectsIncomplete(t *testing.T) {
	_, err := Encode(Message{From: "a", To: "b"})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Encode(Register{UUID: "me"})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Encode(nil)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_IgnoresExtraFields(t *testing.T) {
	env, err := Decode([]byte(`{"type":"get_public_key","from":"a","target":"b","extra":true}`))
	require.NoError(t, err)
	assert.Equal(t, GetPublicKey{From: "a", Target: "b"}, env)
	assert.Equal(t, "a", env.Sender())
}
