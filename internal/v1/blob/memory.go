package blob

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-memory Store for tests and local development without
// MinIO. Pre-signed URLs are fake but stable.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) key(bucket, objectKey string) string {
	return bucket + "/" + objectKey
}

func (m *Memory) PresignedPut(_ context.Context, bucket, objectKey string) (string, error) {
	return fmt.Sprintf("memory://put/%s/%s", bucket, objectKey), nil
}

func (m *Memory) PresignedGet(_ context.Context, bucket, objectKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[m.key(bucket, objectKey)]; !ok {
		return "", fmt.Errorf("object %s/%s does not exist", bucket, objectKey)
	}
	return fmt.Sprintf("memory://get/%s/%s", bucket, objectKey), nil
}

func (m *Memory) ObjectExists(_ context.Context, bucket, objectKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[m.key(bucket, objectKey)]
	return ok, nil
}

func (m *Memory) Put(_ context.Context, bucket, objectKey string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.key(bucket, objectKey)] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(_ context.Context, bucket, objectKey string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[m.key(bucket, objectKey)]
	if !ok {
		return nil, fmt.Errorf("object %s/%s does not exist", bucket, objectKey)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) RemovePrefix(_ context.Context, bucket, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	full := m.key(bucket, prefix)
	for k := range m.objects {
		if strings.HasPrefix(k, full) {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *Memory) Healthy(context.Context) error { return nil }
