package processor

import (
	"context"
	"time"

	"redistream/internal/storage"
)

type CommandType int

const (
	CmdSet CommandType = iota
	CmdGet
	CmdDelete
	CmdExists
	CmdKeys
	CmdType
	CmdTTL
	CmdIncrBy
	CmdFlush
	// Stream commands
	CmdXAdd
	CmdXRange
	CmdXRead
	CmdXLen
)

// Result types for command responses
type GetResult struct {
	Value  string
	Exists bool
}

type Int64Result struct {
	Result int64
	Err    error
}

type StringResult struct {
	Result string
	Err    error
}

type StringSliceResult struct {
	Result []string
}

type XRangeResult struct {
	Entries []storage.StreamEntry
	Exists  bool
	Err     error
}

type XReadResult struct {
	Matches []storage.StreamMatch
	Err     error
}

type Command struct {
	Type    CommandType
	Key     string
	Value   string
	PX      int64 // relative TTL in ms, 0 = none
	Delta   int64
	IDSpec  string
	Fields  []string
	Start   string
	End     string
	Keys    []string
	LastIDs []string

	// Propagate carries the original command args for replication; the
	// run loop hands it to the write hook only when the command applied
	// cleanly, in commit order.
	Propagate []string

	Response chan interface{}
}

// CommandExecutor applies one command against the store and returns
// whether it mutated state successfully.
type CommandExecutor func(cmd *Command, now int64) (result interface{}, applied bool)

// Processor owns the keyspace. A single goroutine drains the command
// channel, so store access needs no further locking and the write hook
// observes mutations in exactly the order they committed.
type Processor struct {
	store       *storage.Store
	commandChan chan *Command
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	executors   map[CommandType]CommandExecutor

	now     func() int64
	onWrite func(args []string)
}

func NewProcessor(store *storage.Store) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		store:       store,
		commandChan: make(chan *Command, 1000),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		now: func() int64 {
			return time.Now().UnixMilli()
		},
	}
	p.registerExecutors()
	go p.run()
	return p
}

// SetClock replaces the wall clock. Tests inject a fixed or stepped
// time source here.
func (p *Processor) SetClock(now func() int64) {
	p.now = now
}

// SetWriteHook registers the callback invoked after every successfully
// applied write that carries Propagate args. Called from the run loop,
// so invocation order matches commit order.
func (p *Processor) SetWriteHook(hook func(args []string)) {
	p.onWrite = hook
}

// GetStore returns the underlying store. Only safe to touch from tests
// or before the processor is wired to connections.
func (p *Processor) GetStore() *storage.Store {
	return p.store
}

func (p *Processor) registerExecutors() {
	p.executors = map[CommandType]CommandExecutor{
		CmdSet:    p.executeSet,
		CmdGet:    p.executeGet,
		CmdDelete: p.executeDelete,
		CmdExists: p.executeExists,
		CmdKeys:   p.executeKeys,
		CmdType:   p.executeType,
		CmdTTL:    p.executeTTL,
		CmdIncrBy: p.executeIncrBy,
		CmdFlush:  p.executeFlush,
		CmdXAdd:   p.executeXAdd,
		CmdXRange: p.executeXRange,
		CmdXRead:  p.executeXRead,
		CmdXLen:   p.executeXLen,
	}
}

// Submit queues a command for execution. The caller receives the result
// on cmd.Response.
func (p *Processor) Submit(cmd *Command) {
	select {
	case p.commandChan <- cmd:
	case <-p.ctx.Done():
		cmd.Response <- nil
	}
}

func (p *Processor) run() {
	defer close(p.done)
	for {
		select {
		case cmd := <-p.commandChan:
			p.execute(cmd)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Processor) execute(cmd *Command) {
	executor, exists := p.executors[cmd.Type]
	if !exists {
		cmd.Response <- nil
		return
	}

	now := p.now()
	result, applied := executor(cmd, now)
	if applied && cmd.Propagate != nil && p.onWrite != nil {
		p.onWrite(cmd.Propagate)
	}
	cmd.Response <- result
}

func (p *Processor) executeSet(cmd *Command, now int64) (interface{}, bool) {
	p.store.Set(cmd.Key, cmd.Value, cmd.PX, now)
	return true, true
}

func (p *Processor) executeGet(cmd *Command, now int64) (interface{}, bool) {
	value, exists := p.store.Get(cmd.Key, now)
	return GetResult{Value: value, Exists: exists}, false
}

func (p *Processor) executeDelete(cmd *Command, now int64) (interface{}, bool) {
	deleted := p.store.Delete(cmd.Key, now)
	return deleted, deleted
}

func (p *Processor) executeExists(cmd *Command, now int64) (interface{}, bool) {
	return p.store.Exists(cmd.Key, now), false
}

func (p *Processor) executeKeys(cmd *Command, now int64) (interface{}, bool) {
	return StringSliceResult{Result: p.store.Keys(now)}, false
}

func (p *Processor) executeType(cmd *Command, now int64) (interface{}, bool) {
	return p.store.Type(cmd.Key, now), false
}

func (p *Processor) executeTTL(cmd *Command, now int64) (interface{}, bool) {
	return p.store.TTL(cmd.Key, now), false
}

func (p *Processor) executeIncrBy(cmd *Command, now int64) (interface{}, bool) {
	result, err := p.store.IncrBy(cmd.Key, cmd.Delta, now)
	return Int64Result{Result: result, Err: err}, err == nil
}

func (p *Processor) executeFlush(cmd *Command, now int64) (interface{}, bool) {
	p.store.Flush()
	return true, true
}

func (p *Processor) executeXAdd(cmd *Command, now int64) (interface{}, bool) {
	id, err := p.store.XAdd(cmd.Key, cmd.IDSpec, cmd.Fields, now)
	return StringResult{Result: id, Err: err}, err == nil
}

func (p *Processor) executeXRange(cmd *Command, now int64) (interface{}, bool) {
	entries, exists, err := p.store.XRange(cmd.Key, cmd.Start, cmd.End, now)
	return XRangeResult{Entries: entries, Exists: exists, Err: err}, false
}

func (p *Processor) executeXRead(cmd *Command, now int64) (interface{}, bool) {
	matches, err := p.store.XRead(cmd.Keys, cmd.LastIDs, now)
	return XReadResult{Matches: matches, Err: err}, false
}

func (p *Processor) executeXLen(cmd *Command, now int64) (interface{}, bool) {
	count, err := p.store.XLen(cmd.Key, now)
	return Int64Result{Result: count, Err: err}, false
}

// Shutdown stops the run loop after the in-flight command finishes.
func (p *Processor) Shutdown() {
	p.cancel()
	<-p.done
}
