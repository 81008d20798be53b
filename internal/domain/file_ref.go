package domain

type FileRef struct {
	Index          int    `json:"index"`
	Path           string `json:"path"`
	Length         int64  `json:"length"`
	BytesCompleted int64  `json:"bytesCompleted"`
}

// Complete reports whether every byte of the file has been verified by the engine.
func (f FileRef) Complete() bool {
	return f.Length >= 0 && f.BytesCompleted >= f.Length
}

// Range is a byte span relative to the start of a file.
type Range struct {
	Off    int64
	Length int64
}
