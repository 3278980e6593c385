package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Memory is an in-process Store for local runs without GCS credentials.
type Memory struct {
	mu      sync.Mutex
	baseURL string
	objects map[string][]byte
	types   map[string]string
}

func NewMemory(baseURL string) *Memory {
	if baseURL == "" {
		baseURL = "http://files.local"
	}
	return &Memory{baseURL: baseURL, objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *Memory) UploadContent(_ context.Context, bucket, name, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+name] = data
	m.types[bucket+"/"+name] = contentType
	return m.PublicURL(bucket, name), nil
}

func (m *Memory) DeleteFile(_ context.Context, bucket, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+name)
	delete(m.types, bucket+"/"+name)
	return nil
}

func (m *Memory) DeleteMultipleFilesByURL(ctx context.Context, urls []string) error {
	var errs []error
	for _, raw := range urls {
		bucket, name, err := ParseObjectURL(raw, m.baseURL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = m.DeleteFile(ctx, bucket, name)
	}
	return errors.Join(errs...)
}

func (m *Memory) MoveFile(_ context.Context, bucket, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+src]
	if !ok {
		return fmt.Errorf("move %s: object not found", src)
	}
	m.objects[bucket+"/"+dst] = data
	m.types[bucket+"/"+dst] = m.types[bucket+"/"+src]
	delete(m.objects, bucket+"/"+src)
	delete(m.types, bucket+"/"+src)
	return nil
}

func (m *Memory) PublicURL(bucket, name string) string {
	return fmt.Sprintf("%s/%s/%s", m.baseURL, bucket, name)
}

func (m *Memory) ParseURL(raw string) (string, string, error) {
	return ParseObjectURL(raw, m.baseURL)
}

// Keys lists stored objects as bucket/name.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
