// Package sock implements a software fabric provider over ordinary stream
// sockets: domains, endpoints with transmit and receive contexts, a
// connection map and a progress engine.
package sock

import (
    "fmt"
    "strings"
    "sync"

    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/config"
    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/observability"
    "github.com/bturrubiates/libfabric/pkg/transport"
    "github.com/bturrubiates/libfabric/pkg/transports"
    "github.com/bturrubiates/libfabric/pkg/wire"
)

// Fabric is the provider root. It owns the logging context, the transport
// and the table of bound endpoint services.
type Fabric struct {
    cfg        *config.Config
    logging    *observability.Logging
    ownLogging bool
    log        *zap.Logger
    tr         transport.Transport
    codec      *wire.Codec

    mu       sync.Mutex
    services map[string]*epCore
    domains  int
    closed   bool
}

// Option customizes NewFabric.
type Option func(*Fabric)

// WithTransport overrides the transport named in the configuration.
func WithTransport(tr transport.Transport) Option { return func(f *Fabric) { f.tr = tr } }

// WithLogging hands in a logging context; the fabric will not close it.
func WithLogging(l *observability.Logging) Option { return func(f *Fabric) { f.logging = l } }

// NewFabric opens the provider. A nil cfg uses config.Default.
func NewFabric(cfg *config.Config, opts ...Option) (*Fabric, error) {
    if cfg == nil { cfg = config.Default() }
    f := &Fabric{cfg: cfg, services: make(map[string]*epCore)}
    for _, o := range opts { o(f) }

    if f.logging == nil {
        l, err := observability.New(cfg.Log)
        if err != nil { return nil, fmt.Errorf("logging: %w", err) }
        f.logging, f.ownLogging = l, true
    }
    f.log = f.logging.Subsystem(observability.SubsysFabric)

    if f.tr == nil {
        tr, err := transports.New(cfg.Provider.Transport)
        if err != nil {
            f.closeLogging()
            return nil, err
        }
        f.tr = tr
    }
    codec, err := wire.NewCodec()
    if err != nil {
        f.closeLogging()
        return nil, err
    }
    f.codec = codec
    f.log.Info("fabric opened", zap.Stringer("transport", f.tr.Kind()))
    return f, nil
}

// Config returns the configuration the fabric was opened with.
func (f *Fabric) Config() *config.Config { return f.cfg }

// Logging returns the logging context.
func (f *Fabric) Logging() *observability.Logging { return f.logging }

// Transport returns the socket transport.
func (f *Fabric) Transport() transport.Transport { return f.tr }

// ParseProgress maps "auto" or "manual" to a progress mode.
func ParseProgress(s string) (fabric.ProgressMode, error) {
    switch strings.ToLower(s) {
    case "", "auto":
        return fabric.ProgressAuto, nil
    case "manual":
        return fabric.ProgressManual, nil
    }
    return 0, fmt.Errorf("progress mode %q: %w", s, fabric.ErrInvalidArgument)
}

// Domain opens a resource domain. A nil attr takes the progress mode and
// context limit from the configuration.
func (f *Fabric) Domain(attr *fabric.DomainAttr) (*Domain, error) {
    var a fabric.DomainAttr
    if attr != nil {
        a = *attr
    } else {
        mode, err := ParseProgress(f.cfg.Provider.Progress)
        if err != nil { return nil, err }
        a.Progress = mode
    }
    f.mu.Lock()
    if f.closed { f.mu.Unlock(); return nil, fmt.Errorf("fabric closed: %w", fabric.ErrBadState) }
    f.domains++
    f.mu.Unlock()
    d := newDomain(f, a)
    f.log.Debug("domain opened", zap.Stringer("domain", d.id))
    return d, nil
}

func (f *Fabric) releaseDomain() {
    f.mu.Lock()
    if f.domains > 0 { f.domains-- }
    f.mu.Unlock()
}

// addService records the endpoint bound to addr.
func (f *Fabric) addService(addr string, ep *epCore) error {
    f.mu.Lock(); defer f.mu.Unlock()
    if _, ok := f.services[addr]; ok {
        return fmt.Errorf("service %s already bound: %w", addr, fabric.ErrBusy)
    }
    f.services[addr] = ep
    return nil
}

func (f *Fabric) removeService(addr string) {
    f.mu.Lock(); delete(f.services, addr); f.mu.Unlock()
}

// Services returns the bound endpoint addresses.
func (f *Fabric) Services() []string {
    f.mu.Lock(); defer f.mu.Unlock()
    out := make([]string, 0, len(f.services))
    for a := range f.services { out = append(out, a) }
    return out
}

// Reinit reopens file log outputs, e.g. after rotation by another tool.
func (f *Fabric) Reinit() error { return f.logging.Reinit() }

// Close closes the fabric. It fails with ErrBusy while domains are open.
func (f *Fabric) Close() error {
    f.mu.Lock()
    if f.closed { f.mu.Unlock(); return fmt.Errorf("fabric close: %w", fabric.ErrBadState) }
    if f.domains > 0 {
        n := f.domains
        f.mu.Unlock()
        return fmt.Errorf("fabric close: %d domains open: %w", n, fabric.ErrBusy)
    }
    f.closed = true
    f.mu.Unlock()
    f.log.Info("fabric closed")
    f.closeLogging()
    return nil
}

func (f *Fabric) closeLogging() {
    if f.ownLogging { _ = f.logging.Close() }
}
