package store

import (
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cursor marks the last (created_at, id) pair of a page.
type Cursor struct {
	TS time.Time
	ID uuid.UUID
}

func EncodeCursor(c Cursor) string {
	s := fmt.Sprintf("%s|%s", c.TS.UTC().Format(time.RFC3339Nano), c.ID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func DecodeCursor(v string) (*Cursor, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, err
	}
	ts, rawID, ok := strings.Cut(string(b), "|")
	if !ok {
		return nil, stderrors.New("invalid cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, err
	}
	return &Cursor{TS: t.UTC(), ID: id}, nil
}
