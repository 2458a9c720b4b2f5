// Package mocks provides gomock implementations of the service's ports.
//
// To regenerate after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	model := mocks.NewMockCompleter(ctrl)
//	model.EXPECT().Complete(gomock.Any(), gomock.Any()).Return("ok", nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=completer_mock.go pipeline-service/internal/llm Completer
