package thread

import (
	"fmt"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/models"
)

// SniffFiles replaces each file's MIME with the type detected from its bytes.
func SniffFiles(files []models.UploadedFile) []models.UploadedFile {
	out := make([]models.UploadedFile, len(files))
	for i, f := range files {
		f.MIME = mimetype.Detect(f.Data).String()
		out[i] = f
	}
	return out
}

// ValidateFiles enforces the model's file policy. isFirst is true for the
// message that starts a thread.
func ValidateFiles(model models.ModelConfig, files []models.UploadedFile, isFirst bool) error {
	if len(files) > 0 && model.PromptType == models.PromptTextOnly {
		return apierr.Validation("files", "This model does not accept files")
	}
	switch model.RequireFileToPrompt {
	case models.FileRequiredFirstMessage:
		if isFirst && len(files) == 0 {
			return apierr.Validation("files", "This model requires a file to be sent with the first message")
		}
	case models.FileRequiredAllMessages:
		if len(files) == 0 {
			return apierr.Validation("files", "This model requires a file to be sent with every message")
		}
	}
	if len(files) == 0 {
		return nil
	}
	if model.MaxFilesPerMessage != nil && len(files) > *model.MaxFilesPerMessage {
		n := *model.MaxFilesPerMessage
		noun := "files"
		if n == 1 {
			noun = "file"
		}
		return apierr.Validation("files", fmt.Sprintf("This model only allows %d %s per message", n, noun))
	}
	if !isFirst && !model.AllowFilesInFollowups {
		return apierr.Validation("files", "This model does not allow files in follow-up messages")
	}
	if model.MaxTotalFileSize != nil {
		var total int64
		for _, f := range files {
			total += f.Size()
		}
		if total > *model.MaxTotalFileSize {
			return apierr.Validation("files", fmt.Sprintf("Files must be under %d bytes in total", *model.MaxTotalFileSize))
		}
	}
	for _, f := range files {
		if !model.AcceptsMIME(f.MIME) {
			return apierr.Validation("files", fmt.Sprintf("This model does not accept files of type %s", baseMIME(f.MIME)))
		}
	}
	return nil
}

func baseMIME(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		return strings.TrimSpace(mime[:i])
	}
	return mime
}

// objectName is the storage key of an uploaded file: creator/message/index-name.
func objectName(creator, messageID string, index int, filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	return fmt.Sprintf("%s/%s/%d-%s", creator, messageID, index, base)
}
