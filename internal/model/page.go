package model

import "time"

// Page is produced once per crawled URL and never modified afterwards.
type Page struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	HTML        string    `json:"html,omitempty"`
	Links       []string  `json:"links"`
	Images      []string  `json:"images"`
	CSSFiles    []string  `json:"css_files"`
	JSFiles     []string  `json:"js_files"`
	Timestamp   time.Time `json:"timestamp"`
}

// AssetURLs returns image, stylesheet and script urls in that order.
func (p *Page) AssetURLs() []string {
	urls := make([]string, 0, len(p.Images)+len(p.CSSFiles)+len(p.JSFiles))
	urls = append(urls, p.Images...)
	urls = append(urls, p.CSSFiles...)
	urls = append(urls, p.JSFiles...)
	return urls
}
