package models

// ImageResult is the JSON form of a processed image returned to webhook callers.
type ImageResult struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Action   string `json:"action"`
	Size     int    `json:"size"`
	Data     string `json:"data"`
}
