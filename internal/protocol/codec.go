package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"Krypt/pkg/interfaces"
)

var (
	// ErrMalformed is returned for envelopes that are not valid JSON objects or
	// lack a field their type requires.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownType is returned for a well-formed envelope with an unknown tag.
	ErrUnknownType = errors.New("unknown envelope type")
)

// wire is the flat JSON shape shared by all variants.
type wire struct {
	Type          Type            `json:"type"`
	UUID          string          `json:"uuid,omitempty"`
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
	Target        string          `json:"target,omitempty"`
	PublicKey     string          `json:"public_key,omitempty"`
	MessageID     *int64          `json:"message_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReceiptType   string          `json:"receipt_type,omitempty"`
	MessageRefID  *int64          `json:"message_ref_id,omitempty"`
	SDP           string          `json:"sdp,omitempty"`
	Candidate     string          `json:"candidate,omitempty"`
	SDPMid        *string         `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16         `json:"sdpMLineIndex,omitempty"`
}

// Encode serializes an envelope. Envelopes missing required fields are rejected
// with ErrMalformed so nothing incomplete reaches the relay.
func Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformed)
	}

	w := wire{Type: env.Type()}
	switch e := env.(type) {
	case Register:
		w.UUID, w.PublicKey = e.UUID, e.PublicKey
	case Message:
		w.From, w.To = e.From, e.To
		if e.ID != 0 {
			id := e.ID
			w.MessageID = &id
		}
		if err := w.setPayload(e.Payload); err != nil {
			return nil, err
		}
	case Receipt:
		w.From, w.To, w.ReceiptType = e.From, e.To, string(e.Kind)
		if e.Kind == ReceiptDelivered {
			ref := e.MessageRefID
			w.MessageRefID = &ref
		}
	case FileChunk:
		w.From, w.To = e.From, e.To
		if err := w.setPayload(e.Chunk); err != nil {
			return nil, err
		}
	case GetPublicKey:
		w.From, w.Target = e.From, e.Target
	case PublicKeyResponse:
		w.Target, w.PublicKey = e.Target, e.PublicKey
	case Status:
		w.From = e.From
		if err := w.setPayload(e.Payload); err != nil {
			return nil, err
		}
	case Offer:
		w.From, w.To, w.SDP = e.From, e.To, e.SDP
	case Answer:
		w.From, w.To, w.SDP = e.From, e.To, e.SDP
	case ICE:
		mid, idx := e.Candidate.SDPMid, e.Candidate.SDPMLineIndex
		w.From, w.To, w.Candidate = e.From, e.To, e.Candidate.Candidate
		w.SDPMid, w.SDPMLineIndex = &mid, &idx
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, env)
	}

	if _, err := w.envelope(); err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Decode parses one envelope. Any error means the caller should ignore the
// input; the codec never inspects cryptographic content.
func Decode(data []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return w.envelope()
}

func (w *wire) setPayload(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	w.Payload = raw
	return nil
}

func (w *wire) envelope() (Envelope, error) {
	switch w.Type {
	case "":
		return nil, missing("type")
	case TypeRegister:
		if err := requireFields("uuid", w.UUID, "public_key", w.PublicKey); err != nil {
			return nil, err
		}
		return Register{UUID: w.UUID, PublicKey: w.PublicKey}, nil

	case TypeMessage:
		if err := requireFields("from", w.From, "to", w.To); err != nil {
			return nil, err
		}
		if w.ReceiptType != "" {
			return w.receipt()
		}
		var p interfaces.EncryptedPayload
		if err := w.decodePayload(&p); err != nil {
			return nil, err
		}
		if !p.Complete() {
			return nil, missing("payload.encryptedData/iv/encryptedKey")
		}
		m := Message{From: w.From, To: w.To, Payload: p}
		if w.MessageID != nil {
			m.ID = *w.MessageID
		}
		return m, nil

	case TypeFileChunk:
		if err := requireFields("from", w.From, "to", w.To); err != nil {
			return nil, err
		}
		var c interfaces.EncryptedFileChunk
		if err := w.decodePayload(&c); err != nil {
			return nil, err
		}
		if c.FileName == "" {
			return nil, missing("payload.fileName")
		}
		if c.TotalChunks <= 0 || c.ChunkIndex < 0 || c.ChunkIndex >= c.TotalChunks {
			return nil, fmt.Errorf("%w: chunk %d of %d", ErrMalformed, c.ChunkIndex, c.TotalChunks)
		}
		if !c.Complete() {
			return nil, missing("payload.encryptedData/iv/encryptedKey")
		}
		return FileChunk{From: w.From, To: w.To, Chunk: c}, nil

	case TypeGetPublicKey:
		if err := requireFields("from", w.From, "target", w.Target); err != nil {
			return nil, err
		}
		return GetPublicKey{From: w.From, Target: w.Target}, nil

	case TypePublicKeyResponse:
		if err := requireFields("target", w.Target, "public_key", w.PublicKey); err != nil {
			return nil, err
		}
		return PublicKeyResponse{Target: w.Target, PublicKey: w.PublicKey}, nil

	case TypeStatus:
		if err := requireFields("from", w.From); err != nil {
			return nil, err
		}
		var p interfaces.EncryptedPayload
		if err := w.decodePayload(&p); err != nil {
			return nil, err
		}
		if !p.Complete() {
			return nil, missing("payload.encryptedData/iv/encryptedKey")
		}
		return Status{From: w.From, Payload: p}, nil

	case TypeOffer, TypeAnswer:
		if err := requireFields("from", w.From, "to", w.To, "sdp", w.SDP); err != nil {
			return nil, err
		}
		if w.Type == TypeOffer {
			return Offer{From: w.From, To: w.To, SDP: w.SDP}, nil
		}
		return Answer{From: w.From, To: w.To, SDP: w.SDP}, nil

	case TypeICE:
		if err := requireFields("from", w.From, "to", w.To, "candidate", w.Candidate); err != nil {
			return nil, err
		}
		c := interfaces.ICECandidate{Candidate: w.Candidate}
		if w.SDPMid != nil {
			c.SDPMid = *w.SDPMid
		}
		if w.SDPMLineIndex != nil {
			c.SDPMLineIndex = *w.SDPMLineIndex
		}
		return ICE{From: w.From, To: w.To, Candidate: c}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
}

func (w *wire) receipt() (Envelope, error) {
	r := Receipt{From: w.From, To: w.To, Kind: ReceiptKind(w.ReceiptType)}
	switch r.Kind {
	case ReceiptDelivered:
		if w.MessageRefID == nil {
			return nil, missing("message_ref_id")
		}
		r.MessageRefID = *w.MessageRefID
	case ReceiptReadAll:
	default:
		return nil, fmt.Errorf("%w: receipt_type %q", ErrMalformed, w.ReceiptType)
	}
	return r, nil
}

func (w *wire) decodePayload(v any) error {
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return missing("payload")
	}
	if err := json.Unmarshal(w.Payload, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return nil
}

// requireFields takes name/value pairs and fails on the first empty value.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return missing(pairs[i])
		}
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformed, field)
}
