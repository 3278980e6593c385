package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"olmoplayground/internal/models"
)

const jsonlContentType = "application/jsonl"

// jsonlStream writes one chunk per line. Headers are sent with the first
// chunk so that errors raised before it can still become a JSON error response.
type jsonlStream struct {
	c       *gin.Context
	started bool
}

func newJSONLStream(c *gin.Context) *jsonlStream {
	return &jsonlStream{c: c}
}

func (s *jsonlStream) emit(chunk models.Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if !s.started {
		header := s.c.Writer.Header()
		header.Set("Content-Type", jsonlContentType)
		header.Set("Cache-Control", "no-cache")
		header.Set("X-Accel-Buffering", "no")
		s.c.Status(http.StatusOK)
		s.started = true
	}
	data = append(data, '\n')
	if _, err := s.c.Writer.Write(data); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}
