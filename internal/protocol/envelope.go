// Package protocol defines the relay wire envelopes and their JSON codec.
package protocol

import "Krypt/pkg/interfaces"

// Type is the mandatory "type" tag of every envelope.
type Type string

const (
	TypeRegister          Type = "register"
	TypeMessage           Type = "message"
	TypeFileChunk         Type = "file_chunk"
	TypeGetPublicKey      Type = "get_public_key"
	TypePublicKeyResponse Type = "public_key_response"
	TypeStatus            Type = "status"
	TypeOffer             Type = "webrtc_offer"
	TypeAnswer            Type = "webrtc_answer"
	TypeICE               Type = "webrtc_ice"
)

// ReceiptKind is carried in receipt_type of a receipt envelope.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptReadAll   ReceiptKind = "read_all"
)

// Envelope is one discrete unit of wire communication.
type Envelope interface {
	Type() Type
	// Sender is the uuid the envelope claims to come from, empty when the
	// variant has no sender.
	Sender() string
}

// Register announces the local identity on every (re)connect.
type Register struct {
	UUID      string
	PublicKey string
}

// Message carries an encrypted text. ID is the sender's local message id and
// is optional on the wire.
type Message struct {
	From    string
	To      string
	ID      int64
	Payload interfaces.EncryptedPayload
}

// Receipt acknowledges delivery of one message or reading of a conversation.
// It travels as type "message" with a receipt_type field.
type Receipt struct {
	From         string
	To           string
	Kind         ReceiptKind
	MessageRefID int64
}

// FileChunk carries one encrypted chunk of a file transfer.
type FileChunk struct {
	From  string
	To    string
	Chunk interfaces.EncryptedFileChunk
}

// GetPublicKey asks the relay for Target's public key.
type GetPublicKey struct {
	From   string
	Target string
}

// PublicKeyResponse is the relay's answer to GetPublicKey.
type PublicKeyResponse struct {
	Target    string
	PublicKey string
}

// Status is an ephemeral broadcast post.
type Status struct {
	From    string
	Payload interfaces.EncryptedPayload
}

// Offer carries an SDP offer.
type Offer struct {
	From string
	To   string
	SDP  string
}

// Answer carries an SDP answer.
type Answer struct {
	From string
	To   string
	SDP  string
}

// ICE carries one trickled ICE candidate.
type ICE struct {
	From      string
	To        string
	Candidate interfaces.ICECandidate
}

func (Register) Type() Type          { return TypeRegister }
func (Message) Type() Type           { return TypeMessage }
func (Receipt) Type() Type           { return TypeMessage }
func (FileChunk) Type() Type         { return TypeFileChunk }
func (GetPublicKey) Type() Type      { return TypeGetPublicKey }
func (PublicKeyResponse) Type() Type { return TypePublicKeyResponse }
func (Status) Type() Type            { return TypeStatus }
func (Offer) Type() Type             { return TypeOffer }
func (Answer) Type() Type            { return TypeAnswer }
func (ICE) Type() Type               { return TypeICE }

func (e Register) Sender() string        { return e.UUID }
func (e Message) Sender() string         { return e.From }
func (e Receipt) Sender() string         { return e.From }
func (e FileChunk) Sender() string       { return e.From }
func (e GetPublicKey) Sender() string    { return e.From }
func (PublicKeyResponse) Sender() string { return "" }
func (e Status) Sender() string          { return e.From }
func (e Offer) Sender() string           { return e.From }
func (e Answer) Sender() string          { return e.From }
func (e ICE) Sender() string             { return e.From }

// Label is used for logs and metrics; receipts are told apart from messages.
func Label(env Envelope) string {
	if r, ok := env.(Receipt); ok {
		return "receipt_" + string(r.Kind)
	}
	return string(env.Type())
}
