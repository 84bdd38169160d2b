package logutil

import (
    "encoding/json"
    "fmt"
    "log"
    "os"
    "strings"
    "sync/atomic"
    "time"
)

var jsonMode atomic.Bool

func init() {
    if os.Getenv("CLUSTER_LOG_JSON") == "1" || os.Getenv("CLUSTER_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

// SetJSON switches every logger produced by this package between plain and
// JSON line output.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// Named derives a logger whose records carry the component name. Names nest:
// Named(Named(l, "cluster"), "health") logs as "[cluster.health]".
func Named(l *log.Logger, component string) *log.Logger {
    if l == nil { l = log.Default() }
    p := l.Prefix()
    if strings.HasPrefix(p, "[") && strings.HasSuffix(p, "] ") {
        component = strings.TrimSuffix(strings.TrimPrefix(p, "["), "] ") + "." + component
    }
    return log.New(l.Writer(), "["+component+"] ", l.Flags())
}

func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

func component(l *log.Logger) string {
    p := l.Prefix()
    if strings.HasPrefix(p, "[") && strings.HasSuffix(p, "] ") {
        return strings.TrimSuffix(strings.TrimPrefix(p, "["), "] ")
    }
    return ""
}

func logf(l *log.Logger, level, f string, args ...any) {
    if l == nil { l = log.Default() }
    if jsonMode.Load() {
        evt := map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level,
            "msg":   fmt.Sprintf(f, args...),
        }
        if c := component(l); c != "" { evt["component"] = c }
        b, _ := json.Marshal(evt)
        log.New(l.Writer(), "", 0).Println(string(b))
        return
    }
    lvl := "ERROR "
    switch level {
    case "info":
        lvl = "INFO "
    case "warn":
        lvl = "WARN "
    }
    log.New(l.Writer(), lvl+l.Prefix(), l.Flags()).Printf(f, args...)
}
