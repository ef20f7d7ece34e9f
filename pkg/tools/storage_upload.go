package tools

import (
	"context"
	"fmt"
	"strings"
)

// ObjectUploader is the slice of the object store the upload tool needs.
type ObjectUploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// StorageUploadTool writes text content to the object store and returns
// the stored location.
type StorageUploadTool struct {
	store ObjectUploader
}

type storageUploadArgs struct {
	Path        string `json:"path" jsonschema:"description=Destination key for the object, e.g. reports/summary.txt."`
	Content     string `json:"content" jsonschema:"description=The text content to store."`
	ContentType string `json:"content_type,omitempty" jsonschema:"description=MIME type of the content. Defaults to text/plain."`
}

func NewStorageUploadTool(store ObjectUploader) *StorageUploadTool {
	return &StorageUploadTool{store: store}
}

func (t *StorageUploadTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "storage_upload_tool",
		Description: "Saves text content to the object store and returns the stored location. Use when the user asks to persist or export generated content.",
		Schema:      argsSchema(&storageUploadArgs{}),
	}
}

func (t *StorageUploadTool) GetName() string        { return t.GetInfo().Name }
func (t *StorageUploadTool) GetDescription() string { return t.GetInfo().Description }

func (t *StorageUploadTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	contentType, _ := args["content_type"].(string)

	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if content == "" {
		return "", fmt.Errorf("content cannot be empty")
	}
	if contentType == "" {
		contentType = "text/plain"
	}

	location, err := t.store.Upload(ctx, path, []byte(content), contentType)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	return fmt.Sprintf("Uploaded %d bytes to %s", len(content), location), nil
}
