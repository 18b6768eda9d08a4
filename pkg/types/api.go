package types

import "encoding/json"

// Envelope is the uniform response wrapper of the watcher HTTP API.
// Payload fields are flattened next to "ok" by each handler; Envelope is
// what the CLI decodes first to learn whether the call succeeded.
type Envelope struct {
	OK    bool       `json:"ok"`
	Error *ErrorBody `json:"error,omitempty"`
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	OK       bool           `json:"ok"`
	Attached bool           `json:"attached"`
	Target   *TargetInfo    `json:"target,omitempty"`
	Record   *WatcherRecord `json:"record"`
	Buffers  BufferStats    `json:"buffers"`
	Process  *ProcessStats  `json:"process,omitempty"`
}

// BufferStats summarizes both rings for /status.
type BufferStats struct {
	LogCount   int   `json:"logCount"`
	LogNextID  int64 `json:"logNextId"`
	LogDropped int64 `json:"logDropped"`
	NetCount   int   `json:"netCount"`
	NetNextID  int64 `json:"netNextId"`
	NetDropped int64 `json:"netDropped"`
}

// ProcessStats carries watcher process resource usage.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
}

// LogsResponse is the GET /logs and GET /tail payload.
type LogsResponse struct {
	OK        bool        `json:"ok"`
	Events    []*LogEvent `json:"events"`
	NextAfter int64       `json:"nextAfter"`
	TimedOut  bool        `json:"timedOut,omitempty"`
}

// NetResponse is the GET /net and GET /net/tail payload.
type NetResponse struct {
	OK        bool                     `json:"ok"`
	Requests  []*NetworkRequestSummary `json:"requests"`
	NextAfter int64                    `json:"nextAfter"`
	TimedOut  bool                     `json:"timedOut,omitempty"`
}

// EvalRequest is the POST /eval body. AwaitPromise and ReturnByValue
// default to true when absent.
type EvalRequest struct {
	Expression    string `json:"expression"`
	AwaitPromise  *bool  `json:"awaitPromise,omitempty"`
	ReturnByValue *bool  `json:"returnByValue,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// EvalException describes a thrown value. The envelope stays ok:true;
// an exception is a result, not a transport failure.
type EvalException struct {
	Text    string          `json:"text"`
	Details json.RawMessage `json:"details,omitempty"`
}

// EvalResponse is the POST /eval payload.
type EvalResponse struct {
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result"`
	Exception *EvalException  `json:"exception,omitempty"`
}

// Selector is the common target-picking part of every DOM request.
type Selector struct {
	Selector string `json:"selector"`
	All      bool   `json:"all,omitempty"`
	// Text filters matches by trimmed textContent: literal equality, or
	// "/pattern/flags" for a regex test.
	Text string `json:"text,omitempty"`
}

// DomTreeRequest is the POST /dom/tree body.
type DomTreeRequest struct {
	Selector
	Depth    int `json:"depth,omitempty"`    // default 2
	MaxNodes int `json:"maxNodes,omitempty"` // default 5000
}

// DomTreeResponse is the POST /dom/tree payload.
type DomTreeResponse struct {
	OK      bool       `json:"ok"`
	Matches int        `json:"matches"`
	Roots   []*DomNode `json:"roots"`
}

// DomInfoRequest is the POST /dom/info body.
type DomInfoRequest struct {
	Selector
	OuterHTMLMaxChars int `json:"outerHtmlMaxChars,omitempty"` // default 50000, cap 500000
}

// DomInfoResponse is the POST /dom/info payload.
type DomInfoResponse struct {
	OK       bool              `json:"ok"`
	Matches  int               `json:"matches"`
	Elements []*DomElementInfo `json:"elements"`
}

// ClickRequest is the POST /dom/click body. With a selector, X/Y are
// element-relative offsets from the top-left corner; without one they
// are absolute viewport coordinates.
type ClickRequest struct {
	Selector
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`
}

// HoverRequest is the POST /dom/hover body.
type HoverRequest struct {
	Selector
}

// FocusRequest is the POST /dom/focus body.
type FocusRequest struct {
	Selector
}

// KeydownRequest is the POST /dom/keydown body. Modifiers is a comma
// list over {alt, ctrl, meta, shift}.
type KeydownRequest struct {
	Key       string `json:"key"`
	Modifiers string `json:"modifiers,omitempty"`
	Selector  string `json:"selector,omitempty"`
}

// KeydownResponse echoes the resolved modifier bitmask.
type KeydownResponse struct {
	OK        bool   `json:"ok"`
	Key       string `json:"key"`
	Modifiers int64  `json:"modifiers"`
}

// ScrollRequest is the POST /dom/scroll body (touch gesture emulation).
type ScrollRequest struct {
	Selector
	DeltaX float64 `json:"deltaX,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
}

// ScrollToRequest is the POST /dom/scroll-to body.
type ScrollToRequest struct {
	Selector
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Relative bool     `json:"relative,omitempty"`
	Smooth   bool     `json:"smooth,omitempty"`
}

// DomAddRequest is the POST /dom/add body. Position accepts the four
// insertAdjacent values plus the aliases before/after/prepend/append.
type DomAddRequest struct {
	Selector
	HTML     string `json:"html,omitempty"`
	Text     string `json:"text,omitempty"`
	Position string `json:"position,omitempty"` // default beforeend
	Nth      *int   `json:"nth,omitempty"`
	First    bool   `json:"first,omitempty"`
	Expect   *int   `json:"expect,omitempty"`
}

// DomRemoveRequest is the POST /dom/remove body.
type DomRemoveRequest struct {
	Selector
	Expect *int `json:"expect,omitempty"`
}

// DomModifyRequest is the POST /dom/modify body, a union discriminated
// by Type over {attr, class, style, text, html}.
type DomModifyRequest struct {
	Selector
	Type string `json:"type"`

	// attr
	Name   string `json:"name,omitempty"`
	Value  string `json:"value,omitempty"`
	Remove bool   `json:"remove,omitempty"`

	// class
	Add    []string `json:"add,omitempty"`
	Drop   []string `json:"drop,omitempty"`
	Toggle []string `json:"toggle,omitempty"`

	// style
	Styles map[string]string `json:"styles,omitempty"`

	// text / html
	Content string `json:"content,omitempty"`
}

// FillRequest is the POST /dom/fill body. Dispatches input+change so
// reactive frameworks observe the new value.
type FillRequest struct {
	Selector
	Value string `json:"value"`
}

// SetFileRequest is the POST /dom/set-file body. Paths must be absolute.
type SetFileRequest struct {
	Selector
	Files []string `json:"files"`
}

// AddScriptRequest is the POST /dom/add-script body.
type AddScriptRequest struct {
	Source string `json:"source"`
}

// DomOpResponse is the common mutation/operation payload.
type DomOpResponse struct {
	OK      bool `json:"ok"`
	Matches int  `json:"matches"`
	// Affected counts nodes the operation actually touched (clicked,
	// removed, modified, ...). Named per-op in the JSON for CLI clarity.
	Clicked  int `json:"clicked,omitempty"`
	Hovered  int `json:"hovered,omitempty"`
	Focused  int `json:"focused,omitempty"`
	Removed  int `json:"removed,omitempty"`
	Modified int `json:"modified,omitempty"`
	Added    int `json:"added,omitempty"`
	Filled   int `json:"filled,omitempty"`
	Set      int `json:"set,omitempty"`
}

// StorageRequest is the POST /storage/local body.
type StorageRequest struct {
	Op     string `json:"op"` // get | set | remove | list | clear
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
	Origin string `json:"origin,omitempty"` // strict equality guard when set
}

// StorageResponse is the POST /storage/local payload.
type StorageResponse struct {
	OK     bool              `json:"ok"`
	Origin string            `json:"origin,omitempty"`
	Value  *string           `json:"value,omitempty"`
	Items  map[string]string `json:"items,omitempty"`
	Count  int               `json:"count,omitempty"`
}

// EmulationRequest is the POST /emulation body.
type EmulationRequest struct {
	Op    string          `json:"op"` // set | clear | status
	State *EmulationState `json:"state,omitempty"`
	// Aspects narrows clear to {viewport, touch, userAgent}.
	Aspects []string `json:"aspects,omitempty"`
}

// EmulationResponse is the POST /emulation payload.
type EmulationResponse struct {
	OK    bool            `json:"ok"`
	State *EmulationState `json:"state"`
	DesiredStatus
}

// ThrottleRequest is the POST /throttle body.
type ThrottleRequest struct {
	Op    string         `json:"op"` // set | clear | status
	State *ThrottleState `json:"state,omitempty"`
}

// ThrottleResponse is the POST /throttle payload.
type ThrottleResponse struct {
	OK    bool           `json:"ok"`
	State *ThrottleState `json:"state"`
	DesiredStatus
}

// TraceStartRequest is the POST /trace/start body.
type TraceStartRequest struct {
	Categories []string `json:"categories,omitempty"`
	Options    string   `json:"options,omitempty"`
	Compress   bool     `json:"compress,omitempty"`
}

// TraceStartResponse is the POST /trace/start payload.
type TraceStartResponse struct {
	OK      bool   `json:"ok"`
	TraceID string `json:"traceId"`
	Path    string `json:"path"`
}

// TraceStopResponse is the POST /trace/stop payload.
type TraceStopResponse struct {
	OK      bool   `json:"ok"`
	TraceID string `json:"traceId"`
	Path    string `json:"path"`
	Events  int    `json:"events"`
}

// ScreenshotRequest is the POST /screenshot body.
type ScreenshotRequest struct {
	Selector    string `json:"selector,omitempty"`
	IncludeData bool   `json:"includeData,omitempty"`
}

// ScreenshotResponse is the POST /screenshot payload.
type ScreenshotResponse struct {
	OK         bool   `json:"ok"`
	Path       string `json:"path"`
	Clipped    bool   `json:"clipped,omitempty"`
	DataBase64 string `json:"dataBase64,omitempty"`
}

// ReloadRequest is the POST /reload body.
type ReloadRequest struct {
	IgnoreCache bool `json:"ignoreCache,omitempty"`
}

// TargetsResponse is the GET /targets payload.
type TargetsResponse struct {
	OK      bool         `json:"ok"`
	Targets []TargetInfo `json:"targets"`
}

// AttachRequest is the POST /attach body.
type AttachRequest struct {
	TargetID string `json:"targetId"`
}
