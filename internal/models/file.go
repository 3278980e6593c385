package models

import "strings"

// UploadedFile is a file attached to a prompt. MIME is sniffed from Data; the
// client-declared type is not trusted.
type UploadedFile struct {
	Name string
	MIME string
	Data []byte
}

func (f UploadedFile) Size() int64 { return int64(len(f.Data)) }

func (f UploadedFile) IsImage() bool { return strings.HasPrefix(f.MIME, "image/") }

func (f UploadedFile) IsVideo() bool { return strings.HasPrefix(f.MIME, "video/") }
