// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	programName = "program.star"
	mainName    = "main"
	// compiledMagic prefixes the output of starlark.Program.Write.
	compiledMagic = "!sky"
)

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

var predeclared = starlark.StringDict{
	"json":            starjson.Module,
	"math":            starmath.Module,
	"store_get":       starlark.NewBuiltin("store_get", storeGet),
	"store_merge":     starlark.NewBuiltin("store_merge", storeMerge),
	"emit":            starlark.NewBuiltin("emit", emit),
	"select_nodes":    starlark.NewBuiltin("select_nodes", selectNodes),
	"select_edges":    starlark.NewBuiltin("select_edges", selectEdges),
	"choice_nodes":    starlark.NewBuiltin("choice_nodes", choiceNodes),
	"query_node":      starlark.NewBuiltin("query_node", queryNode),
	"query_neighbors": starlark.NewBuiltin("query_neighbors", queryNeighbors),
}

// Compile turns Starlark source into the bytecode form Load also accepts.
func Compile(src []byte) ([]byte, error) {
	_, prog, err := starlark.SourceProgramOptions(fileOptions, programName, src, predeclared.Has)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	var buf bytes.Buffer
	if err := prog.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Starlark loads programs written in Starlark, as source text or as
// compiled bytecode. The program's top level runs once at load time and
// must define a function main(args). Top-level values are not frozen, so
// containers they hold keep their contents from one invocation to the
// next.
type Starlark struct {
	// MaxSteps caps the computation steps of a load or an invocation.
	// Zero means unlimited.
	MaxSteps uint64
}

func (l *Starlark) Load(ctx context.Context, program []byte) (Instance, error) {
	if len(program) == 0 {
		return nil, fmt.Errorf("%w: empty program", ErrInvalidProgram)
	}
	prog, err := starlark.CompiledProgram(bytes.NewReader(program))
	if err != nil {
		if bytes.HasPrefix(program, []byte(compiledMagic)) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
		}
		if _, prog, err = starlark.SourceProgramOptions(fileOptions, programName, program, predeclared.Has); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
		}
	}

	thread := l.thread("load", func(*starlark.Thread, string) {})
	stop := context.AfterFunc(ctx, func() { thread.Cancel(context.Cause(ctx).Error()) })
	defer stop()
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	fn, ok := globals[mainName].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%w: program does not define a %s function", ErrInvalidProgram, mainName)
	}
	return &starlarkInstance{loader: l, main: fn}, nil
}

func (l *Starlark) thread(name string, print func(*starlark.Thread, string)) *starlark.Thread {
	thread := &starlark.Thread{Name: name, Print: print}
	if l.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(l.MaxSteps)
	}
	return thread
}

type starlarkInstance struct {
	loader *Starlark
	main   starlark.Callable
}

func (in *starlarkInstance) Invoke(ctx context.Context, host *Host, args []string) (*Output, error) {
	out := &Output{}
	inv := &invocation{ctx: ctx, host: host, out: out}
	thread := in.loader.thread(mainName, func(_ *starlark.Thread, msg string) {
		out.Logs = append(out.Logs, msg)
	})
	thread.SetLocal(invocationKey, inv)

	argv := make([]starlark.Value, len(args))
	for i, a := range args {
		argv[i] = starlark.String(a)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		_, err := starlark.Call(thread, in.main, starlark.Tuple{starlark.NewList(argv)}, nil)
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		thread.Cancel(context.Cause(ctx).Error())
		err = <-done
	}
	if err == nil {
		err = inv.finish()
	}
	if err == nil {
		return out, nil
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return out, fmt.Errorf("%w after %d steps", ErrTimeout, thread.ExecutionSteps())
	case ctx.Err() != nil:
		return out, ctx.Err()
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return out, fmt.Errorf("%w: %s", ErrFault, evalErr.Backtrace())
	}
	return out, fmt.Errorf("%w: %v", ErrFault, err)
}

func (in *starlarkInstance) Close() {}
