// Package announcement decodes the envelope announcing an uploaded runtimes archive.
package announcement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/extract"
)

// ContentType identifies runtimes archives uploaded through the primary path.
const ContentType = "application/vnd.redhat.runtimes-java-general.analytics+tgz"

// DefaultVersion is the envelope version used when none is sent.
const DefaultVersion = "1.0.0"

// Announcement is an immutable decoded envelope.
type Announcement struct {
	Version     string
	Application string
	ContentType string
	// Timestamp is always in UTC.
	Timestamp   time.Time
	RequestID   string

	PlatformMetadata map[string]any
	Host             map[string]any

	accountID string
	orgID     string
	url       string
}

type envelope struct {
	Version          string         `mapstructure:"version"`
	Application      string         `mapstructure:"application"`
	ContentType      string         `mapstructure:"content_type"`
	Timestamp        time.Time      `mapstructure:"timestamp"`
	AccountID        string         `mapstructure:"account_id"`
	Account          string         `mapstructure:"account"`
	OrgID            string         `mapstructure:"org_id"`
	RequestID        string         `mapstructure:"request_id"`
	URL              string         `mapstructure:"url"`
	PlatformMetadata map[string]any `mapstructure:"platform_metadata"`
	Host             map[string]any `mapstructure:"host"`
}

// Decode parses an announcement. Unknown fields are ignored.
// Errors wrap extract.ErrDecode.
func Decode(payload []byte) (Announcement, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Announcement{}, fmt.Errorf("%w: invalid announcement JSON: %v", extract.ErrDecode, err)
	}
	if raw == nil {
		return Announcement{}, fmt.Errorf("%w: announcement is not a JSON object", extract.ErrDecode)
	}

	env := envelope{Version: DefaultVersion}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       timestampHook,
		WeaklyTypedInput: true,
		Result:           &env,
	})
	if err != nil {
		return Announcement{}, fmt.Errorf("failed to create decoder: %v", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return Announcement{}, fmt.Errorf("%w: announcement does not match the expected structure: %v", extract.ErrDecode, err)
	}

	accountID := env.AccountID
	if accountID == "" {
		accountID = env.Account
	}

	return Announcement{
		Version:          env.Version,
		Application:      env.Application,
		ContentType:      env.ContentType,
		Timestamp:        env.Timestamp,
		RequestID:        env.RequestID,
		PlatformMetadata: env.PlatformMetadata,
		Host:             env.Host,
		accountID:        accountID,
		orgID:            env.OrgID,
		url:              env.URL,
	}, nil
}

// IsRuntimes reports whether a bundle upload was flagged as carrying runtimes data.
func (a Announcement) IsRuntimes() bool {
	if a.PlatformMetadata == nil {
		return false
	}
	return extract.Stringify(a.PlatformMetadata["is_runtimes"]) == "true"
}

// URL returns the payload location. Bundle uploads carry it in their platform metadata.
func (a Announcement) URL() string {
	if a.PlatformMetadata == nil {
		return a.url
	}
	return stringValue(a.PlatformMetadata, "url")
}

// OrgID returns the organization, preferring the one of the host record.
func (a Announcement) OrgID() string {
	if v := stringValue(a.Host, "org_id"); v != "" {
		return v
	}
	return a.orgID
}

// AccountID returns the account, preferring the one of the host record.
func (a Announcement) AccountID() string {
	if v := stringValue(a.Host, "account"); v != "" {
		return v
	}
	return a.accountID
}

func stringValue(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return extract.Stringify(v)
}

// timestampHook decodes RFC 3339 UTC strings and epoch seconds into time.Time.
// Timestamps with a non zero offset or without a zone are rejected.
func timestampHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}

	switch v := data.(type) {
	case json.Number:
		return epochSeconds(v.String())
	case string:
		return parseUTC(v)
	default:
		return data, nil
	}
}

func parseUTC(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is not an ISO-8601 instant: %v", s, err)
	}
	if _, offset := t.Zone(); offset != 0 {
		return time.Time{}, fmt.Errorf("timestamp %q is not in UTC", s)
	}
	return t.UTC(), nil
}

func epochSeconds(s string) (time.Time, error) {
	secs, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is not an epoch: %v", s, err)
	}
	var nsec int64
	if frac != "" {
		frac = (frac + "000000000")[:9]
		if nsec, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q is not an epoch: %v", s, err)
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}
