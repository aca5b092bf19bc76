package interfaces

// EncryptedFileChunk is one encrypted byte range of a file transfer.
// Chunks of one logical file are correlated by (sender uuid, FileName).
type EncryptedFileChunk struct {
	FileName    string `json:"fileName"`
	MimeType    string `json:"mimeType"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	EncryptedPayload
}

// ReceivedFile is a fully reassembled inbound transfer.
type ReceivedFile struct {
	From     string `json:"from"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"-"`
}
