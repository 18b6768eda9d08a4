// Package types contains the JSON types shared between the watcher HTTP
// API, the registry file, and the CLI.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies the transport flavor a watcher uses to reach the page.
type Source string

const (
	SourceCDP       Source = "cdp"
	SourceExtension Source = "extension"
)

// WatcherRecord is one entry in the registry file. It is owned by the
// watcher process it describes; everyone else treats it as read-only.
type WatcherRecord struct {
	ID        string       `json:"id"`
	Host      string       `json:"host"`
	Port      int          `json:"port"`
	PID       int          `json:"pid"`
	Cwd       string       `json:"cwd"`
	StartedAt int64        `json:"startedAt"` // epoch ms
	UpdatedAt int64        `json:"updatedAt"` // epoch ms, monotonic within a process
	Match     *TargetMatch `json:"match,omitempty"`
	Chrome    *ChromeAddr  `json:"chrome,omitempty"`
	Source    Source       `json:"source"`
}

// URL returns the base URL of the watcher's HTTP API.
func (r *WatcherRecord) URL() string {
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, r.Port)
}

// Age reports how long ago the record was last heartbeated.
func (r *WatcherRecord) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.UpdatedAt))
}

// ChromeAddr is the DevTools endpoint a direct-CDP watcher dials.
type ChromeAddr struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TargetMatch is the predicate set used to select a browser target.
// All supplied predicates must hold; TargetID bypasses everything else.
type TargetMatch struct {
	URLContains   string `json:"urlContains,omitempty"`
	TitleContains string `json:"titleContains,omitempty"`
	URLRegex      string `json:"urlRegex,omitempty"`
	TitleRegex    string `json:"titleRegex,omitempty"`
	Type          string `json:"type,omitempty"`
	Origin        string `json:"origin,omitempty"`
	TargetID      string `json:"targetId,omitempty"`
	ParentURL     string `json:"parentUrl,omitempty"`
}

// IsEmpty reports whether no predicate is set (first target wins).
func (m *TargetMatch) IsEmpty() bool {
	return m == nil || *m == TargetMatch{}
}

// RegistryVersion is the sole schema discriminator of the registry file.
const RegistryVersion = 1

// Registry is the on-disk catalogue of live watchers.
type Registry struct {
	Version   int                       `json:"version"`
	UpdatedAt int64                     `json:"updatedAt"`
	Watchers  map[string]*WatcherRecord `json:"watchers"`
}

// NewRegistry returns an empty registry at the current schema version.
func NewRegistry() *Registry {
	return &Registry{Version: RegistryVersion, Watchers: map[string]*WatcherRecord{}}
}

// LogLevel is the normalized severity of a captured event.
type LogLevel string

const (
	LevelLog       LogLevel = "log"
	LevelInfo      LogLevel = "info"
	LevelDebug     LogLevel = "debug"
	LevelWarning   LogLevel = "warning"
	LevelError     LogLevel = "error"
	LevelException LogLevel = "exception"
)

// LogSource tells where a LogEvent came from.
type LogSource string

const (
	LogSourceConsole   LogSource = "console"
	LogSourceException LogSource = "exception"
	LogSourceSystem    LogSource = "system"
)

// LogEvent is one captured console/exception/system record. IDs are
// assigned by the buffer on insertion and are dense and monotonic.
type LogEvent struct {
	ID        int64             `json:"id"`
	Ts        int64             `json:"ts"` // epoch ms
	Level     LogLevel          `json:"level"`
	Text      string            `json:"text"`
	Args      []json.RawMessage `json:"args,omitempty"`
	Source    LogSource         `json:"source"`
	File      string            `json:"file,omitempty"`
	Line      int               `json:"line,omitempty"` // 1-based
	Column    int               `json:"column,omitempty"`
	PageURL   string            `json:"pageUrl,omitempty"`
	PageTitle string            `json:"pageTitle,omitempty"`
}

// NetworkRequestSummary is the capture pipeline's view of one request.
// Created on requestWillBeSent and completed by the later lifecycle events.
type NetworkRequestSummary struct {
	ID                int64   `json:"id"`
	Ts                int64   `json:"ts"`
	RequestID         string  `json:"requestId"`
	URL               string  `json:"url"`
	Method            string  `json:"method"`
	ResourceType      string  `json:"resourceType,omitempty"`
	Status            int     `json:"status,omitempty"`
	EncodedDataLength float64 `json:"encodedDataLength,omitempty"`
	ErrorText         string  `json:"errorText,omitempty"`
	DurationMs        float64 `json:"durationMs,omitempty"`
}

// ViewportSpec is the desired device metrics override.
type ViewportSpec struct {
	Width  int64   `json:"width"`
	Height int64   `json:"height"`
	DPR    float64 `json:"dpr,omitempty"`
	Mobile bool    `json:"mobile,omitempty"`
}

// TouchSpec is the desired touch emulation state.
type TouchSpec struct {
	Enabled bool `json:"enabled"`
}

// UserAgentSpec is the desired UA override. A nil Value means "restore
// the baseline captured at first attach".
type UserAgentSpec struct {
	Value *string `json:"value"`
}

// EmulationState is the persistent desired emulation configuration,
// re-applied after every attach until explicitly cleared.
type EmulationState struct {
	Viewport  *ViewportSpec  `json:"viewport,omitempty"`
	Touch     *TouchSpec     `json:"touch,omitempty"`
	UserAgent *UserAgentSpec `json:"userAgent,omitempty"`
}

// IsEmpty reports whether no aspect is desired.
func (s *EmulationState) IsEmpty() bool {
	return s == nil || (s.Viewport == nil && s.Touch == nil && s.UserAgent == nil)
}

// CPUSpec is the desired CPU throttling factor. Rate 1 means no throttle.
type CPUSpec struct {
	Rate float64 `json:"rate"`
}

// ThrottleState is the persistent desired throttle configuration.
type ThrottleState struct {
	CPU *CPUSpec `json:"cpu,omitempty"`
}

// IsEmpty reports whether no throttle is desired.
func (s *ThrottleState) IsEmpty() bool {
	return s == nil || s.CPU == nil
}

// DesiredStatus is the common status shape for emulation and throttle:
// attached and applied stay separate so "attached but apply failed" is
// distinguishable from "not attached".
type DesiredStatus struct {
	Attached  bool   `json:"attached"`
	Applied   bool   `json:"applied"`
	LastError string `json:"lastError,omitempty"`
}

// DomNode is one element of a `dom tree` response. Children is omitted
// when the walk was truncated at this node.
type DomNode struct {
	NodeID          int64             `json:"nodeId"`
	Tag             string            `json:"tag"` // lowercased
	Attributes      map[string]string `json:"attributes,omitempty"`
	Children        []*DomNode        `json:"children,omitempty"`
	Truncated       bool              `json:"truncated,omitempty"`
	TruncatedReason string            `json:"truncatedReason,omitempty"` // max_nodes | depth
}

// DomElementInfo describes one matched element for `dom info`.
type DomElementInfo struct {
	NodeID             int64             `json:"nodeId"`
	Tag                string            `json:"tag"`
	Attributes         map[string]string `json:"attributes,omitempty"`
	ChildElementCount  int64             `json:"childElementCount"`
	OuterHTML          string            `json:"outerHTML"`
	OuterHTMLTruncated bool              `json:"outerHTMLTruncated,omitempty"`
}

// TargetInfo is one entry of the DevTools /json target list.
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	ParentID             string `json:"parentId,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}
