package gateway

import "net/http"

//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=mock_doer_test.go -package=gateway

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}
