package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(testContext *testing.T) {
	testCases := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{input: "debug", want: zapcore.DebugLevel},
		{input: "INFO", want: zapcore.InfoLevel},
		{input: "", want: zapcore.InfoLevel},
		{input: " warning ", want: zapcore.WarnLevel},
		{input: "error", want: zapcore.ErrorLevel},
		{input: "firehose", wantErr: true},
	}
	for _, testCase := range testCases {
		level, err := ParseLevel(testCase.input)
		if testCase.wantErr {
			if err == nil {
				testContext.Fatalf("expected error for %q", testCase.input)
			}
			continue
		}
		if err != nil {
			testContext.Fatalf("unexpected error for %q: %v", testCase.input, err)
		}
		if level != testCase.want {
			testContext.Fatalf("expected %v for %q, got %v", testCase.want, testCase.input, level)
		}
	}
}

func TestNewLoggerRejectsUnknownLevel(testContext *testing.T) {
	if _, err := NewLogger("verbose"); err == nil {
		testContext.Fatal("expected an error for an unknown level")
	}
}
