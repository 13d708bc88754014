// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/bureau-foundation/pushmatrix/lib/secret"
)

// Response is the outcome of one inbound request.
type Response struct {
	Status int
	Body   string
}

// messageRequest is the inbound JSON body. Token is only accepted when a
// shared secret is configured.
type messageRequest struct {
	Message *string `json:"message" validate:"required"`
	Title   *string `json:"title" validate:"required"`
	Token   *string `json:"token"`
}

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		return name
	})
	return validate
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// PerTitle sends each message as its title's own identity.
	PerTitle bool
	// AppToken is the shared secret requests must carry. Nil disables
	// the check and rejects any token field. Not closed by the Router.
	AppToken  *secret.Buffer
	Formatter *Formatter
	Logger    *slog.Logger
}

// Router validates requests and dispatches them to the room.
type Router struct {
	main      *Identity
	registry  *Registry
	rooms     *RoomCoordinator
	perTitle  bool
	appToken  *secret.Buffer
	formatter *Formatter
	logger    *slog.Logger
}

// NewRouter returns a Router sending as main, or as identities from
// registry in per-title mode.
func NewRouter(main *Identity, registry *Registry, rooms *RoomCoordinator, config RouterConfig) *Router {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	formatter := config.Formatter
	if formatter == nil {
		formatter = NewFormatter("m.text", false)
	}
	return &Router{
		main:      main,
		registry:  registry,
		rooms:     rooms,
		perTitle:  config.PerTitle,
		appToken:  config.AppToken,
		formatter: formatter,
		logger:    logger,
	}
}

// TokenRequired reports whether requests must carry a token.
func (r *Router) TokenRequired() bool { return r.appToken != nil }

// Handle processes one raw request body. It never retries a failed send.
func (r *Router) Handle(ctx context.Context, rawBody []byte) Response {
	err := r.handle(ctx, rawBody)
	status := statusFor(err)
	switch status {
	case http.StatusOK:
		return Response{Status: status, Body: "Ok"}
	case http.StatusBadRequest:
		return Response{Status: status, Body: err.Error()}
	case http.StatusUnauthorized:
		return Response{Status: status, Body: "Unauthorized"}
	default:
		r.logger.Error("dispatch failed", "error", err)
		return Response{Status: status, Body: "Failed to send message"}
	}
}

func (r *Router) handle(ctx context.Context, rawBody []byte) error {
	request, err := r.decode(rawBody)
	if err != nil {
		return err
	}
	if r.appToken != nil && !r.appToken.Equal([]byte(*request.Token)) {
		return ErrUnauthorized
	}
	if r.perTitle {
		return r.sendAsTitle(ctx, *request.Title, *request.Message)
	}
	return r.sendAttributed(ctx, *request.Title, *request.Message)
}

func (r *Router) decode(rawBody []byte) (*messageRequest, error) {
	decoder := json.NewDecoder(bytes.NewReader(rawBody))
	decoder.DisallowUnknownFields()

	var request messageRequest
	if err := decoder.Decode(&request); err != nil {
		return nil, &ValidationError{Reason: describeDecodeError(err)}
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, &ValidationError{Reason: "unexpected data after JSON object"}
	}

	if err := requestValidator.Struct(&request); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			return nil, &ValidationError{Reason: "missing field " + fieldErrors[0].Field()}
		}
		return nil, &ValidationError{Reason: err.Error()}
	}
	switch {
	case r.appToken != nil && request.Token == nil:
		return nil, &ValidationError{Reason: "missing field token"}
	case r.appToken == nil && request.Token != nil:
		return nil, &ValidationError{Reason: `unknown field "token"`}
	}
	return &request, nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &typeErr):
		if typeErr.Field == "" {
			return "body must be a JSON object"
		}
		return fmt.Sprintf("field %s must be a string", typeErr.Field)
	case errors.As(err, &syntaxErr):
		return fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)
	case errors.Is(err, io.EOF):
		return "empty body"
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return strings.TrimPrefix(err.Error(), "json: ")
	default:
		return err.Error()
	}
}

func (r *Router) sendAsTitle(ctx context.Context, title, message string) error {
	identity, err := r.registry.Resolve(ctx, title)
	if err != nil {
		return err
	}
	content, err := r.formatter.Plain(message)
	if err != nil {
		return err
	}

	identity.mu.Lock()
	defer identity.mu.Unlock()

	if identity.State() != Active {
		return &ProtocolError{Op: "sending as " + identity.Username, Err: errors.New("identity is not active")}
	}
	if identity.Membership() != Joined {
		if err := r.rooms.EnsureMembership(ctx, identity); err != nil {
			return err
		}
	}
	if _, err := identity.session.SendMessage(ctx, r.rooms.RoomID(), content); err != nil {
		return &ProtocolError{Op: "sending as " + identity.Username, Err: err}
	}
	r.logger.Info(fmt.Sprintf("[%s]: %s", title, message), "title", title)
	return nil
}

func (r *Router) sendAttributed(ctx context.Context, title, message string) error {
	content, err := r.formatter.Attributed(title, message)
	if err != nil {
		return err
	}
	session := r.main.Session()
	if session == nil {
		return &ProtocolError{Op: "sending as main identity", Err: errors.New("main identity is not active")}
	}
	if _, err := session.SendMessage(ctx, r.rooms.RoomID(), content); err != nil {
		return &ProtocolError{Op: "sending as main identity", Err: err}
	}
	r.logger.Info(fmt.Sprintf("[%s]: %s", title, message), "title", title)
	return nil
}
