package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

func TestExtractMessageText(t *testing.T) {
	tests := []struct {
		name     string
		msg      *waE2E.Message
		expected string
	}{
		{"nil message", nil, ""},
		{"plain conversation", textMessage("hello"), "hello"},
		{
			"extended text",
			&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked text")}},
			"linked text",
		},
		{
			"image caption",
			&waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("a photo")}},
			"a photo",
		},
		{
			"video caption",
			&waE2E.Message{VideoMessage: &waE2E.VideoMessage{Caption: proto.String("a clip")}},
			"a clip",
		},
		{
			"document caption",
			&waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("a file")}},
			"a file",
		},
		{
			"ephemeral wrapper unwraps",
			&waE2E.Message{EphemeralMessage: &waE2E.FutureProofMessage{Message: textMessage("vanishing")}},
			"vanishing",
		},
		{
			"view once wrapper unwraps",
			&waE2E.Message{ViewOnceMessage: &waE2E.FutureProofMessage{Message: textMessage("one look")}},
			"one look",
		},
		{
			"view once v2 wrapper unwraps",
			&waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: textMessage("still one look")}},
			"still one look",
		},
		{
			"nested ephemeral image caption",
			&waE2E.Message{EphemeralMessage: &waE2E.FutureProofMessage{
				Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("hidden photo")}},
			}},
			"hidden photo",
		},
		{
			"unknown shape yields empty",
			&waE2E.Message{AudioMessage: &waE2E.AudioMessage{}},
			"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractMessageText(tt.msg))
		})
	}
}
