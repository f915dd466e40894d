// Package models defines data structures for the scraper.
package models

import "time"

// Book represents one catalogue listing.
type Book struct {
	Title         string    `csv:"title" json:"title"`
	Price         string    `csv:"price" json:"price"`
	Availability  string    `csv:"availability" json:"availability"`
	RatingText    string    `csv:"rating" json:"rating"`
	URL           string    `csv:"url" json:"url"`
	RatingNumeric int       `csv:"rating_numeric" json:"rating_numeric"`
	ImageURL      string    `csv:"image_url" json:"image_url"`
	Page          int       `csv:"-" json:"-"`
	ScrapedAt     time.Time `csv:"scraped_at" json:"scraped_at"`
}

// ScrapeResult holds the overall outcome of one batch run.
type ScrapeResult struct {
	StartTime    time.Time
	EndTime      time.Time
	TotalCount   int
	RequestCount int
	PageCount    int
	ErrorCount   int
	RetryCount   int
	FailedPages  []int
	ErrorsByType map[string]int
}
