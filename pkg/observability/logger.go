// Package observability contains logging setup and other observability utilities.
package observability

import (
    "os"
    "strings"
    "sync"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"

    "github.com/bturrubiates/libfabric/pkg/config"
)

// Logging subsystems.
const (
    SubsysCore   = "core"
    SubsysFabric = "fabric"
    SubsysDomain = "domain"
    SubsysEPCtrl = "ep_ctrl"
    SubsysEPData = "ep_data"
    SubsysAV     = "av"
    SubsysCQ     = "cq"
    SubsysEQ     = "eq"
    SubsysMR     = "mr"
)

// Logging is an explicit logging context: built once at provider
// initialization, handed to every component, and closed on teardown.
type Logging struct {
    cfg     config.LogConfig
    encoder zapcore.Encoder
    level   zap.AtomicLevel
    sinks   []*sink
    opts    []zap.Option
    root    *zap.Logger

    mu   sync.Mutex
    subs map[string]*zap.Logger
}

// New builds a logging context from the provided configuration.
func New(c config.LogConfig) (*Logging, error) {
    encCfg := defaultEncoderConfig(c.Development)
    var encoder zapcore.Encoder
    if strings.ToLower(c.Format) == "json" {
        encoder = zapcore.NewJSONEncoder(encCfg)
    } else {
        encoder = zapcore.NewConsoleEncoder(encCfg)
    }

    l := &Logging{cfg: c, encoder: encoder, level: zap.NewAtomicLevelAt(parseLevel(c.Level)), subs: make(map[string]*zap.Logger)}
    for _, out := range c.Outputs {
        s, err := openSink(out, c)
        if err != nil { l.closeSinks(); return nil, err }
        l.sinks = append(l.sinks, s)
    }

    l.opts = []zap.Option{
        zap.AddCaller(),
        zap.AddStacktrace(zap.ErrorLevel),
    }
    if c.Development {
        l.opts = append(l.opts, zap.Development())
    }
    l.root = zap.New(l.tee(l.level), l.opts...)
    return l, nil
}

// Nop returns a logging context that discards everything.
func Nop() *Logging {
    return &Logging{root: zap.NewNop(), level: zap.NewAtomicLevelAt(zap.FatalLevel), subs: make(map[string]*zap.Logger)}
}

// SetupLogger builds a logging context, sets its root logger as the global
// logger, and redirects the stdlib log package. The caller should defer
// Close().
func SetupLogger(c config.LogConfig) (*Logging, error) {
    l, err := New(c)
    if err != nil { return nil, err }
    zap.ReplaceGlobals(l.root)
    // redirect stdlib log to zap at Info level
    _, _ = zap.RedirectStdLogAt(l.root, zap.InfoLevel)
    return l, nil
}

// Logger returns the root logger.
func (l *Logging) Logger() *zap.Logger { return l.root }

// Subsystem returns a logger tagged with subsys. A per-subsystem level from
// the configuration replaces the root level for that logger.
func (l *Logging) Subsystem(name string) *zap.Logger {
    l.mu.Lock(); defer l.mu.Unlock()
    if lg, ok := l.subs[name]; ok { return lg }
    lg := l.root
    if lvl, ok := l.cfg.Subsystems[name]; ok && len(l.sinks) > 0 {
        lg = zap.New(l.tee(zap.NewAtomicLevelAt(parseLevel(lvl))), l.opts...)
    }
    lg = lg.With(zap.String("subsys", name))
    l.subs[name] = lg
    return lg
}

// SetLevel changes the root level at runtime.
func (l *Logging) SetLevel(lvl string) { l.level.SetLevel(parseLevel(lvl)) }

// Reinit reopens file outputs. It is meant to be called by the process
// manager after fork/exec or log rotation by external tools; loggers
// already handed out keep working.
func (l *Logging) Reinit() error {
    for _, s := range l.sinks {
        if err := s.reopen(); err != nil { return err }
    }
    return nil
}

// Close flushes and closes all outputs.
func (l *Logging) Close() error {
    if l.root != nil { _ = l.root.Sync() }
    return l.closeSinks()
}

func (l *Logging) closeSinks() error {
    var first error
    for _, s := range l.sinks {
        if err := s.close(); err != nil && first == nil { first = err }
    }
    l.sinks = nil
    return first
}

func (l *Logging) tee(level zapcore.LevelEnabler) zapcore.Core {
    cores := make([]zapcore.Core, 0, len(l.sinks))
    for _, s := range l.sinks {
        cores = append(cores, zapcore.NewCore(l.encoder, s, level))
    }
    return zapcore.NewTee(cores...)
}

// sink is a WriteSyncer whose underlying output can be reopened.
type sink struct {
    mu   sync.Mutex
    path string
    std  zapcore.WriteSyncer
    file *os.File
    lj   *lumberjack.Logger
}

func openSink(out string, c config.LogConfig) (*sink, error) {
    switch strings.ToLower(out) {
    case "stdout":
        return &sink{std: zapcore.AddSync(os.Stdout)}, nil
    case "stderr":
        return &sink{std: zapcore.AddSync(os.Stderr)}, nil
    }
    // Treat as file path; use rotation only when enabled
    if c.Rotation.Enable {
        return &sink{path: out, lj: &lumberjack.Logger{
            Filename:   chooseFilename(out, c),
            MaxSize:    max(c.Rotation.MaxSizeMB, 10),
            MaxBackups: max(c.Rotation.MaxBackups, 1),
            MaxAge:     max(c.Rotation.MaxAgeDays, 7),
            Compress:   c.Rotation.Compress,
        }}, nil
    }
    s := &sink{path: out}
    if err := s.openFile(); err != nil { return nil, err }
    return s, nil
}

func (s *sink) openFile() error {
    // Ensure directory exists
    if dir := dirOf(s.path); dir != "" {
        _ = os.MkdirAll(dir, 0o755)
    }
    f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
    if err != nil { return err }
    s.file = f
    return nil
}

func (s *sink) Write(p []byte) (int, error) {
    s.mu.Lock(); defer s.mu.Unlock()
    switch {
    case s.lj != nil:
        return s.lj.Write(p)
    case s.file != nil:
        return s.file.Write(p)
    case s.std != nil:
        return s.std.Write(p)
    }
    return len(p), nil
}

func (s *sink) Sync() error {
    s.mu.Lock(); defer s.mu.Unlock()
    switch {
    case s.file != nil:
        return s.file.Sync()
    case s.std != nil:
        // syncing a terminal fails on some platforms
        _ = s.std.Sync()
    }
    return nil
}

func (s *sink) reopen() error {
    s.mu.Lock(); defer s.mu.Unlock()
    switch {
    case s.lj != nil:
        return s.lj.Rotate()
    case s.file != nil:
        _ = s.file.Close()
        return s.openFile()
    }
    return nil
}

func (s *sink) close() error {
    s.mu.Lock(); defer s.mu.Unlock()
    switch {
    case s.lj != nil:
        return s.lj.Close()
    case s.file != nil:
        err := s.file.Close()
        s.file = nil
        return err
    }
    return nil
}

func parseLevel(s string) zapcore.Level {
    switch strings.ToLower(s) {
    case "debug":
        return zap.DebugLevel
    case "warn", "warning":
        return zap.WarnLevel
    case "error":
        return zap.ErrorLevel
    default:
        return zap.InfoLevel
    }
}

func defaultEncoderConfig(dev bool) zapcore.EncoderConfig {
    if dev {
        cfg := zap.NewDevelopmentEncoderConfig()
        cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
        return cfg
    }
    return zap.NewProductionEncoderConfig()
}

// chooseFilename returns the output filename. If rotation is enabled and a
// filename is provided in rotation config, prefer it; otherwise use the `out`.
func chooseFilename(out string, c config.LogConfig) string {
    if c.Rotation.Enable && strings.TrimSpace(c.Rotation.Filename) != "" {
        return c.Rotation.Filename
    }
    return out
}

func dirOf(path string) string {
    i := strings.LastIndexAny(path, "/\\")
    if i <= 0 {
        return ""
    }
    return path[:i]
}
