package wasm

import (
	"log/slog"
	"sync"

	"github.com/bytecodealliance/wasmtime-go/v30"
)

// Log levels a module passes to the log host call.
const (
	LogLevelDebug = 0
	LogLevelInfo  = 1
	LogLevelWarn  = 2
	LogLevelError = 3
)

// hostIO is the per-execution state behind the env.* host calls:
//
//	log(level, ptr, len)
//	output(ptr, len)
//	get_input_len() -> len
//	get_input(ptr, len) -> copied
type hostIO struct {
	logger *slog.Logger

	mu  sync.Mutex
	in  []byte
	out []byte
}

func newHostIO(input []byte, logger *slog.Logger) *hostIO {
	return &hostIO{in: input, logger: logger}
}

func (h *hostIO) output() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.out
}

func (h *hostIO) log(level int, msg string) {
	switch level {
	case LogLevelDebug:
		h.logger.Debug(msg)
	case LogLevelWarn:
		h.logger.Warn(msg)
	case LogLevelError:
		h.logger.Error(msg)
	default:
		h.logger.Info(msg)
	}
}

// memory returns the caller's exported linear memory, or nil.
func memory(caller *wasmtime.Caller) []byte {
	ext := caller.GetExport("memory")
	if ext == nil || ext.Memory() == nil {
		return nil
	}
	return ext.Memory().UnsafeData(caller)
}

func inBounds(data []byte, ptr, length int32) bool {
	return ptr >= 0 && length >= 0 && int(ptr)+int(length) <= len(data)
}

func valTypes(kind ...wasmtime.ValKind) []*wasmtime.ValType {
	out := make([]*wasmtime.ValType, len(kind))
	for i, k := range kind {
		out[i] = wasmtime.NewValType(k)
	}
	return out
}

func (h *hostIO) define(linker *wasmtime.Linker, store *wasmtime.Store) error {
	I32 := wasmtime.KindI32

	logFunc := wasmtime.NewFunc(store, wasmtime.NewFuncType(valTypes(I32, I32, I32), valTypes()),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			level, ptr, length := args[0].I32(), args[1].I32(), args[2].I32()
			data := memory(caller)
			if !inBounds(data, ptr, length) {
				return nil, nil
			}
			h.log(int(level), string(data[ptr:ptr+length]))
			return nil, nil
		})
	if err := linker.Define(store, "env", "log", logFunc); err != nil {
		return err
	}

	outputFunc := wasmtime.NewFunc(store, wasmtime.NewFuncType(valTypes(I32, I32), valTypes()),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			ptr, length := args[0].I32(), args[1].I32()
			data := memory(caller)
			if !inBounds(data, ptr, length) {
				return nil, nil
			}
			out := make([]byte, length)
			copy(out, data[ptr:ptr+length])
			h.mu.Lock()
			h.out = out
			h.mu.Unlock()
			return nil, nil
		})
	if err := linker.Define(store, "env", "output", outputFunc); err != nil {
		return err
	}

	inputLenFunc := wasmtime.NewFunc(store, wasmtime.NewFuncType(valTypes(), valTypes(I32)),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			return []wasmtime.Val{wasmtime.ValI32(int32(len(h.in)))}, nil
		})
	if err := linker.Define(store, "env", "get_input_len", inputLenFunc); err != nil {
		return err
	}

	// get_input returns the number of bytes copied, or -1.
	inputFunc := wasmtime.NewFunc(store, wasmtime.NewFuncType(valTypes(I32, I32), valTypes(I32)),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			ptr, maxLen := args[0].I32(), args[1].I32()
			data := memory(caller)
			if !inBounds(data, ptr, maxLen) {
				return []wasmtime.Val{wasmtime.ValI32(-1)}, nil
			}
			n := copy(data[ptr:ptr+maxLen], h.in)
			return []wasmtime.Val{wasmtime.ValI32(int32(n))}, nil
		})
	return linker.Define(store, "env", "get_input", inputFunc)
}
