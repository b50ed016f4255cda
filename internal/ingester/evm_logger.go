package ingester

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"chomp/internal/cache"
	"chomp/internal/model"
	"chomp/internal/runtime"
	"chomp/internal/scheduler"
)

// eventDef is the compiled form of one event signature.
type eventDef struct {
	signature string
	name      string
	// ABI types in declared parameter order.
	paramTypes []string
	indexed    []bool
	// Decoder layout: the wire delivers indexed params as topics [1..]
	// concatenated with the non-indexed data blob, so the decoder expects a
	// flat tuple in [indexed..., non-indexed...] order.
	flatArgs abi.Arguments
}

// parseEventSignature parses "Name(type1 [indexed] arg1, type2 arg2, ...)".
// The ABI type is the first token of each tuple; names are optional.
func parseEventSignature(signature string) (name string, paramTypes []string, indexed []bool, err error) {
	head, params, ok := strings.Cut(signature, "(")
	if !ok || !strings.HasSuffix(params, ")") {
		return "", nil, nil, fmt.Errorf("%w: %q", ErrInvalidSignature, signature)
	}
	name = strings.TrimSpace(head)
	if name == "" {
		return "", nil, nil, fmt.Errorf("%w: missing event name in %q", ErrInvalidSignature, signature)
	}
	inside := strings.TrimSuffix(params, ")")
	if strings.TrimSpace(inside) == "" {
		return name, nil, nil, nil
	}
	for _, tuple := range strings.Split(inside, ",") {
		tokens := strings.Fields(tuple)
		if len(tokens) == 0 {
			return "", nil, nil, fmt.Errorf("%w: empty parameter in %q", ErrInvalidSignature, signature)
		}
		paramTypes = append(paramTypes, tokens[0])
		isIndexed := false
		for _, tok := range tokens[1:] {
			if tok == "indexed" {
				isIndexed = true
				break
			}
		}
		indexed = append(indexed, isIndexed)
	}
	return name, paramTypes, indexed, nil
}

// eventTopicHash is the Keccak-256 of the canonical signature: the event
// name and its comma-separated ABI types, without "indexed" markers or
// parameter names.
func eventTopicHash(signature string) common.Hash {
	canonical := strings.ReplaceAll(signature, "indexed ", "")
	if name, paramTypes, _, err := parseEventSignature(signature); err == nil {
		canonical = name + "(" + strings.Join(paramTypes, ",") + ")"
	}
	return common.Hash(crypto.Keccak256Hash([]byte(canonical)))
}

func compileEvent(signature string) (*eventDef, error) {
	name, paramTypes, indexed, err := parseEventSignature(signature)
	if err != nil {
		return nil, err
	}
	def := &eventDef{
		signature:  signature,
		name:       name,
		paramTypes: paramTypes,
		indexed:    indexed,
	}
	// Flat decoder tuple: all indexed types first, then all non-indexed.
	var ordered []string
	for i, t := range paramTypes {
		if indexed[i] {
			ordered = append(ordered, t)
		}
	}
	for i, t := range paramTypes {
		if !indexed[i] {
			ordered = append(ordered, t)
		}
	}
	for _, t := range ordered {
		abiType, err := abi.NewType(t, "", nil)
		if err != nil {
			return nil, fmt.Errorf("%w: bad ABI type %q in %q", ErrInvalidSignature, t, signature)
		}
		def.flatArgs = append(def.flatArgs, abi.Argument{Type: abiType})
	}
	return def, nil
}

// reorderDecoded restores a decoded [indexed..., nonIndexed...] tuple to the
// signature's declared parameter order. It is the exact inverse of the
// ABI's topic/data split.
func reorderDecoded(decoded []any, indexed []bool) []any {
	reordered := make([]any, 0, len(decoded))
	ip := 0
	np := 0
	for _, is := range indexed {
		if is {
			np++
		}
	}
	for _, isIndexed := range indexed {
		if isIndexed {
			reordered = append(reordered, decoded[ip])
			ip++
		} else {
			reordered = append(reordered, decoded[np])
			np++
		}
	}
	return reordered
}

// decodeLogData concatenates topics[1:] with the data blob, decodes against
// the flat type list, and reorders back to declared parameter order.
func decodeLogData(def *eventDef, topics []common.Hash, data []byte) ([]any, error) {
	var buf []byte
	for _, t := range topics[1:] {
		buf = append(buf, t.Bytes()...)
	}
	buf = append(buf, data...)
	decoded, err := def.flatArgs.UnpackValues(buf)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", def.signature, err)
	}
	return reorderDecoded(decoded, def.indexed), nil
}

// DecodedEvent is one decoded log entry, parameters in declared order.
type DecodedEvent struct {
	Event    string `msgpack:"event"`
	Block    uint64 `msgpack:"block"`
	LogIndex uint   `msgpack:"log_index"`
	Args     []any  `msgpack:"args"`
}

// contractWatch is the per-contract poll state of one EVM logger.
type contractWatch struct {
	target  string
	chainID string
	addr    common.Address
	// Union of event topic hashes, duplicates removed; position [0] of the
	// eth_getLogs topics filter.
	filterTopics []common.Hash
	events       map[common.Hash]*eventDef
	defsBySig    map[string]*eventDef

	mu sync.Mutex
	// Next block to scan from; advances only on success so failed ranges
	// are retried on the next tick.
	lastBlock uint64
}

type evmLogger struct {
	rt      *runtime.Runtime
	ing     *model.Ingester
	watches map[string]*contractWatch
	ordered []*contractWatch
}

func newEVMLogger(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	l := &evmLogger{rt: rt, ing: ing, watches: map[string]*contractWatch{}}

	for _, f := range ing.Fields {
		chainID, addrStr, err := splitChainAddr(f.Target)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(addrStr) {
			return nil, fmt.Errorf("%w: bad address in %q", ErrInvalidTarget, f.Target)
		}
		w := l.watches[f.Target]
		if w == nil {
			w = &contractWatch{
				target:    f.Target,
				chainID:   chainID,
				addr:      common.HexToAddress(addrStr),
				events:    map[common.Hash]*eventDef{},
				defsBySig: map[string]*eventDef{},
			}
			l.watches[f.Target] = w
			l.ordered = append(l.ordered, w)
		}
		if _, seen := w.defsBySig[f.Selector]; seen {
			continue
		}
		def, err := compileEvent(f.Selector)
		if err != nil {
			return nil, err
		}
		hash := eventTopicHash(f.Selector)
		w.defsBySig[f.Selector] = def
		if _, dup := w.events[hash]; !dup {
			w.events[hash] = def
			w.filterTopics = append(w.filterTopics, hash)
		}
	}
	return l.ingest, nil
}

func (l *evmLogger) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	results := make(map[string]map[string][]DecodedEvent, len(l.ordered))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, w := range l.ordered {
		wg.Add(1)
		go func(w *contractWatch) {
			defer wg.Done()
			events, err := l.poll(ctx, w)
			if err != nil {
				log.Printf("[EVMLogger] %s: failed to poll events for %s: %v", ing.Name, w.target, err)
				return
			}
			mu.Lock()
			results[w.target] = events
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	for _, f := range ing.Fields {
		if byEvent, ok := results[f.Target]; ok {
			if events, ok := byEvent[f.Selector]; ok {
				f.Value = events
			}
		}
	}
	return ing.PostIngest(ctx, l.rt.Sink)
}

// poll fetches and decodes new logs for one contract. The block cursor
// advances to endBlock+1 only when the fetch and decode pass succeeded;
// per-log decode errors drop that log and do not hold the cursor back.
func (l *evmLogger) poll(ctx context.Context, w *contractWatch) (map[string][]DecodedEvent, error) {
	handle, err := l.rt.Pool.Client(w.chainID)
	if err != nil {
		return nil, err
	}

	var bn hexutil.Uint64
	if err := handle.Call(ctx, &bn, "eth_blockNumber"); err != nil {
		return nil, err
	}
	currentBlock := uint64(bn)

	w.mu.Lock()
	if w.lastBlock == 0 {
		w.lastBlock = l.loadCursor(ctx, w, currentBlock)
	}
	startBlock := w.lastBlock
	w.mu.Unlock()

	endBlock := currentBlock
	if startBlock >= endBlock {
		if l.rt.Args.Verbose {
			log.Printf("[EVMLogger] no new blocks for %s, skipping until next %s tick", w.target, l.ing.Interval)
		}
		return nil, nil
	}

	filter := map[string]any{
		"fromBlock": hexutil.EncodeUint64(startBlock),
		"toBlock":   hexutil.EncodeUint64(endBlock),
		"address":   w.addr,
		"topics":    [][]common.Hash{w.filterTopics},
	}

	var lastErr error
	for retry := 0; retry < l.rt.Args.MaxRetries; retry++ {
		var logs []types.Log
		if err := handle.Call(ctx, &logs, "eth_getLogs", filter); err != nil {
			// Endpoint rotation happens inside the pool on the next call.
			lastErr = err
			continue
		}

		events := make(map[string][]DecodedEvent)
		for _, entry := range logs {
			if len(entry.Topics) == 0 {
				continue
			}
			def, ok := w.events[entry.Topics[0]]
			if !ok {
				continue
			}
			args, err := decodeLogData(def, entry.Topics, entry.Data)
			if err != nil {
				log.Printf("[EVMLogger] dropping log %d@%d for %s: %v", entry.Index, entry.BlockNumber, w.target, err)
				continue
			}
			if l.rt.Args.Verbose {
				log.Printf("[EVMLogger] Block: %d | Event: %s%v", entry.BlockNumber, def.name, args)
			}
			events[def.signature] = append(events[def.signature], DecodedEvent{
				Event:    def.name,
				Block:    entry.BlockNumber,
				LogIndex: entry.Index,
				Args:     args,
			})
		}

		w.mu.Lock()
		w.lastBlock = endBlock + 1
		w.mu.Unlock()
		l.saveCursor(ctx, w, endBlock+1)
		return events, nil
	}
	return nil, fmt.Errorf("giving up on %s after %d retries: %w", w.target, l.rt.Args.MaxRetries, lastErr)
}

func (l *evmLogger) loadCursor(ctx context.Context, w *contractWatch, fallback uint64) uint64 {
	b, ok, err := l.rt.Cache.Get(ctx, cache.LastBlockKey(w.chainID, w.addr.Hex()))
	if err != nil || !ok {
		return fallback
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func (l *evmLogger) saveCursor(ctx context.Context, w *contractWatch, next uint64) {
	key := cache.LastBlockKey(w.chainID, w.addr.Hex())
	if err := l.rt.Cache.Set(ctx, key, []byte(strconv.FormatUint(next, 10)), 0); err != nil {
		log.Printf("[EVMLogger] failed to persist cursor for %s: %v", w.target, err)
	}
}
