package service

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PreviewPathPrefix is the HTTP path under which preview handles are served.
const PreviewPathPrefix = "/api/chat/previews/"

// MediaPreview is a local-only copy of media that has not been uploaded yet.
type MediaPreview struct {
	OwnerID  string
	MimeType string
	Data     []byte
}

// MediaPreviews holds revocable preview handles for optimistic media messages.
type MediaPreviews struct {
	mu      sync.RWMutex
	entries map[string]MediaPreview
}

// NewMediaPreviews returns an empty registry.
func NewMediaPreviews() *MediaPreviews {
	return &MediaPreviews{entries: make(map[string]MediaPreview)}
}

// Register stores data and returns its handle token.
func (p *MediaPreviews) Register(ownerID, mimeType string, data []byte) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")

	p.mu.Lock()
	p.entries[token] = MediaPreview{OwnerID: ownerID, MimeType: mimeType, Data: data}
	p.mu.Unlock()

	return token
}

// Get returns the preview for token when it is still live.
func (p *MediaPreviews) Get(token string) (MediaPreview, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	preview, ok := p.entries[token]
	return preview, ok
}

// Release revokes a handle. Released handles stop resolving.
func (p *MediaPreviews) Release(token string) {
	p.mu.Lock()
	delete(p.entries, token)
	p.mu.Unlock()
}

// Len returns the number of live handles.
func (p *MediaPreviews) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// PreviewURL returns the URL that serves token.
func PreviewURL(token string) string {
	return PreviewPathPrefix + token
}
