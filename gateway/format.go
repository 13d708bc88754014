// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/bureau-foundation/pushmatrix/messaging"
)

// Formatter builds message content for the configured message type,
// optionally rendering Markdown into the HTML body.
type Formatter struct {
	msgType  string
	markdown goldmark.Markdown
}

// NewFormatter returns a Formatter. msgType is messaging.MsgTypeText or
// messaging.MsgTypeNotice. The renderer omits raw HTML found in
// Markdown input.
func NewFormatter(msgType string, markdown bool) *Formatter {
	formatter := &Formatter{msgType: msgType}
	if markdown {
		formatter.markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	}
	return formatter
}

// Plain is a message sent by the title's own identity.
func (f *Formatter) Plain(message string) (messaging.MessageContent, error) {
	content := messaging.MessageContent{MsgType: f.msgType, Body: message}
	if f.markdown == nil {
		return content, nil
	}
	rendered, err := f.render(message)
	if err != nil {
		return messaging.MessageContent{}, err
	}
	content.Format = messaging.FormatHTML
	content.FormattedBody = rendered
	return content, nil
}

// Attributed is a message sent by the main identity on behalf of title:
// the plain body is "title: message" and the HTML body puts the title
// in bold.
func (f *Formatter) Attributed(title, message string) (messaging.MessageContent, error) {
	body := html.EscapeString(message)
	if f.markdown != nil {
		rendered, err := f.render(message)
		if err != nil {
			return messaging.MessageContent{}, err
		}
		body = rendered
	}
	return messaging.MessageContent{
		MsgType:       f.msgType,
		Body:          title + ": " + message,
		Format:        messaging.FormatHTML,
		FormattedBody: "<strong>" + html.EscapeString(title) + ":</strong> " + body,
	}, nil
}

func (f *Formatter) render(message string) (string, error) {
	var buffer bytes.Buffer
	if err := f.markdown.Convert([]byte(message), &buffer); err != nil {
		return "", fmt.Errorf("gateway: rendering markdown: %w", err)
	}
	return strings.TrimSpace(buffer.String()), nil
}
