package scraper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jwalitptl/deadline-sync/internal/model"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
	"github.com/jwalitptl/deadline-sync/pkg/validator"
)

// Decode reads a credential or config blob into dst, rejecting unknown
// fields, then runs the struct's validate tags. dst may carry defaults;
// fields absent from the blob keep them. blob names the blob in errors
// ("credentials" or "config").
func Decode(portalType model.PortalType, blob string, raw json.RawMessage, dst interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &apperrors.ConfigError{PortalType: portalType.String(), Field: blob, Message: "malformed", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return &apperrors.ConfigError{PortalType: portalType.String(), Field: blob, Message: "trailing data after object"}
	}

	if err := validator.Default().Validate(dst); err != nil {
		var fe *validator.FieldError
		if errors.As(err, &fe) {
			return &apperrors.ConfigError{
				PortalType: portalType.String(),
				Field:      fmt.Sprintf("%s.%s", blob, fe.Field),
				Message:    fe.Message,
			}
		}
		return &apperrors.ConfigError{PortalType: portalType.String(), Field: blob, Err: err}
	}
	return nil
}

// DecodeSettings decodes both blobs of s.
func DecodeSettings(portalType model.PortalType, s Settings, creds, config interface{}) error {
	if err := Decode(portalType, "credentials", s.Credentials, creds); err != nil {
		return err
	}
	return Decode(portalType, "config", s.Config, config)
}
