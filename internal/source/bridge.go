package source

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/argus-tools/argus/pkg/types"
)

// Native Messaging framing: a 4-byte little-endian length prefix, then
// that many bytes of JSON. Chrome rejects host→browser messages over
// 1 MiB; browser→host messages may be much larger.
const (
	maxInboundFrame  = 64 << 20
	maxOutboundFrame = 1 << 20
)

// bridgeMessage is the multiplexed frame exchanged with the extension.
// Kind discriminates; the remaining fields are kind-specific.
type bridgeMessage struct {
	Kind     string             `json:"kind"`
	ID       int64              `json:"id,omitempty"`
	Method   string             `json:"method,omitempty"`
	Params   json.RawMessage    `json:"params,omitempty"`
	Result   json.RawMessage    `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
	Target   *types.TargetInfo  `json:"target,omitempty"`
	Targets  []types.TargetInfo `json:"targets,omitempty"`
	URL      string             `json:"url,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Language string             `json:"language,omitempty"`
	Timezone string             `json:"timezone,omitempty"`
}

// Frame kinds. cdp_* tunnel the debugger protocol; tab_* and targets
// carry the browser-side lifecycle the extension drives.
const (
	kindCDPCommand  = "cdp_command"
	kindCDPResponse = "cdp_response"
	kindCDPEvent    = "cdp_event"
	kindTabAttached = "tab_attached"
	kindTabDetached = "tab_detached"
	kindTabUpdated  = "tab_updated"
	kindTabLoaded   = "tab_loaded"
	kindTabIntl     = "tab_intl"
	kindTargets     = "targets"
	kindListTargets = "list_targets"
	kindAttachTab   = "attach_tab"
	kindDetachTab   = "detach_tab"
)

// nativeFramer reads and writes length-prefixed frames on stdio.
// Reads are single-goroutine; writes are serialized by a mutex.
type nativeFramer struct {
	r io.Reader

	writeMu sync.Mutex
	w       io.Writer
}

func newNativeFramer(r io.Reader, w io.Writer) *nativeFramer {
	return &nativeFramer{r: r, w: w}
}

func (f *nativeFramer) read() (*bridgeMessage, error) {
	var header [4]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size == 0 || size > maxInboundFrame {
		return nil, fmt.Errorf("native frame size %d out of range", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return nil, err
	}
	var msg bridgeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode native frame: %w", err)
	}
	return &msg, nil
}

func (f *nativeFramer) write(msg *bridgeMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode native frame: %w", err)
	}
	if len(payload) > maxOutboundFrame {
		return fmt.Errorf("native frame size %d exceeds browser limit", len(payload))
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if _, err := f.w.Write(header[:]); err != nil {
		return err
	}
	_, err = f.w.Write(payload)
	return err
}
