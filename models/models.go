package models

import (
	"time"
)

// Status is the lifecycle state of a recognition request. Values match the
// codes stored in the FoodRecognitions table.
type Status string

const (
	StatusWaiting    Status = "1"
	StatusProcessing Status = "2"
	StatusDone       Status = "3"
	StatusError      Status = "4"
)

// String returns a human-readable name for API responses.
func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "Waiting"
	case StatusProcessing:
		return "Processing"
	case StatusDone:
		return "Done"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// RecognitionRequest represents a row from the FoodRecognitions table.
type RecognitionRequest struct {
	ID         uint64    `json:"id"`
	UserID     uint64    `json:"user_id"`
	PhotoPath  string    `json:"photo_path"`
	Status     Status    `json:"status"`
	ResultJSON string    `json:"result_json,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecognitionJob is the queue message body. It is a pure reference; all
// mutable state lives in the FoodRecognitions row.
type RecognitionJob struct {
	FoodRecognitionID string `json:"FoodRecognitionID"`
}

// Product is a single detected food item in a recognition result.
type Product struct {
	Name  string  `json:"name"`
	Grams float64 `json:"grams"`
	Carbs float64 `json:"carbs"`
	Ratio float64 `json:"ratio"`
}

// RecognitionResult is the normalized structured output persisted once a
// request reaches Done.
type RecognitionResult struct {
	Products []Product `json:"products"`
	// TimeSpent is an optional elapsed-time annotation in milliseconds,
	// carried through from the provider invocation as a string.
	TimeSpent string `json:"time_spent,omitempty"`
}

// TotalCarbs sums carbohydrates across all products.
func (r *RecognitionResult) TotalCarbs() float64 {
	var total float64
	for _, p := range r.Products {
		total += p.Carbs
	}
	return total
}
