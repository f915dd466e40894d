package parser

import (
	"strings"
	"testing"

	"bookscraper/models"
)

func TestValidateBook(t *testing.T) {
	valid := models.Book{
		Title:        "Clean Architecture",
		Price:        "10.00",
		Availability: "In stock",
		RatingText:   "Two",
		URL:          "http://example.test/book/1",
	}

	tests := []struct {
		name    string
		mutate  func(*models.Book)
		wantErr string
	}{
		{
			name:   "valid book",
			mutate: func(b *models.Book) {},
		},
		{
			name: "missing title",
			mutate: func(b *models.Book) {
				b.Title = "   "
			},
			wantErr: "title",
		},
		{
			name: "missing price",
			mutate: func(b *models.Book) {
				b.Price = ""
			},
			wantErr: "price",
		},
		{
			name: "missing rating",
			mutate: func(b *models.Book) {
				b.RatingText = ""
			},
			wantErr: "rating",
		},
		{
			name: "missing url",
			mutate: func(b *models.Book) {
				b.URL = ""
			},
			wantErr: "url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := valid
			tt.mutate(&book)
			err := ValidateBook(&book)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid book, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateBookNil(t *testing.T) {
	if err := ValidateBook(nil); err == nil {
		t.Fatalf("expected error for nil book")
	}
}

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "£51.77", want: "51.77"},
		{in: "Â£51.77", want: "51.77"},
		{in: "  10.00  ", want: "10.00"},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		if got := NormalizePrice(tt.in); got != tt.want {
			t.Fatalf("NormalizePrice(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAvailability(t *testing.T) {
	if got := NormalizeAvailability("\n    In stock\n"); got != "In stock" {
		t.Fatalf("NormalizeAvailability = %q, want %q", got, "In stock")
	}
}

func TestRatingToNumeric(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{in: "Zero", want: 0},
		{in: "One", want: 1},
		{in: "Two", want: 2},
		{in: "Three", want: 3},
		{in: "Four", want: 4},
		{in: "Five", want: 5},
		{in: " Five ", want: 5},
		{in: "Six", want: 0},
		{in: "", want: 0},
	}

	for _, tt := range tests {
		if got := RatingToNumeric(tt.in); got != tt.want {
			t.Fatalf("RatingToNumeric(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
