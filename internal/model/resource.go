package model

import "time"

type ResourceSource int

const (
	Network ResourceSource = iota
	Static
)

func (rs ResourceSource) String() string {
	return [...]string{"NETWORK", "STATIC"}[rs]
}

func (rs ResourceSource) MarshalText() ([]byte, error) {
	return []byte(rs.String()), nil
}

// Resource is any captured payload other than a page document: stylesheets,
// scripts, images, fonts.
type Resource struct {
	URL         string         `json:"url"`
	ContentType string         `json:"content_type,omitempty"`
	Content     []byte         `json:"-"`
	IsText      bool           `json:"is_text"`
	Size        int            `json:"size"`
	Source      ResourceSource `json:"source"`
	SavePath    string         `json:"save_path"`
	SaveName    string         `json:"save_name"`
	IsDataURI   bool           `json:"is_data_uri,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (r *Resource) HasContent() bool {
	return r != nil && len(r.Content) > 0
}
