package ingester

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	gorpc "github.com/ethereum/go-ethereum/rpc"

	"chomp/internal/model"
	"chomp/internal/runtime"
	"chomp/internal/scheduler"
)

// methodDef is a compiled read-only contract method selector of the form
// "name(argTypes)(retTypes)". The 4-byte id hashes the call signature; the
// return tuple drives decoding.
type methodDef struct {
	signature string
	calldata  []byte
	retArgs   abi.Arguments
}

func parseMethodSignature(signature string) (*methodDef, error) {
	open := strings.Index(signature, "(")
	if open <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSignature, signature)
	}
	closeIdx := strings.Index(signature, ")")
	if closeIdx < open {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSignature, signature)
	}
	callSig := signature[:closeIdx+1]

	def := &methodDef{signature: signature}
	def.calldata = crypto.Keccak256([]byte(callSig))[:4]

	rest := signature[closeIdx+1:]
	if strings.HasPrefix(rest, "(") && strings.HasSuffix(rest, ")") {
		inner := strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")")
		if strings.TrimSpace(inner) != "" {
			for _, t := range strings.Split(inner, ",") {
				abiType, err := abi.NewType(strings.TrimSpace(t), "", nil)
				if err != nil {
					return nil, fmt.Errorf("%w: bad return type %q in %q", ErrInvalidSignature, t, signature)
				}
				def.retArgs = append(def.retArgs, abi.Argument{Type: abiType})
			}
		}
	}
	return def, nil
}

type callGroup struct {
	chainID string
	addr    common.Address
	fields  []*model.Field
	methods []*methodDef
}

// evmCaller batches eth_call requests per (chainId, contract) at each tick.
type evmCaller struct {
	rt     *runtime.Runtime
	groups []*callGroup
}

func newEVMCaller(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	a := &evmCaller{rt: rt}
	byTarget := map[string]*callGroup{}
	for _, f := range ing.Fields {
		chainID, addrStr, err := splitChainAddr(f.Target)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(addrStr) {
			return nil, fmt.Errorf("%w: bad address in %q", ErrInvalidTarget, f.Target)
		}
		g := byTarget[f.Target]
		if g == nil {
			g = &callGroup{chainID: chainID, addr: common.HexToAddress(addrStr)}
			byTarget[f.Target] = g
			a.groups = append(a.groups, g)
		}
		def, err := parseMethodSignature(f.Selector)
		if err != nil {
			return nil, err
		}
		g.fields = append(g.fields, f)
		g.methods = append(g.methods, def)
	}
	return a.ingest, nil
}

func (a *evmCaller) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	for _, g := range a.groups {
		if err := a.callGroup(ctx, g); err != nil {
			log.Printf("[EVMCaller] %s: %s:%s: %v", ing.Name, g.chainID, g.addr.Hex(), err)
		}
	}
	return ing.PostIngest(ctx, a.rt.Sink)
}

// callGroup dispatches one batched JSON-RPC request of eth_call at latest
// and decodes each method's return into its field.
func (a *evmCaller) callGroup(ctx context.Context, g *callGroup) error {
	handle, err := a.rt.Pool.Client(g.chainID)
	if err != nil {
		return err
	}

	results := make([]hexutil.Bytes, len(g.methods))
	batch := make([]gorpc.BatchElem, len(g.methods))
	for i, def := range g.methods {
		batch[i] = gorpc.BatchElem{
			Method: "eth_call",
			Args: []any{
				map[string]any{
					"to":   g.addr,
					"data": hexutil.Encode(def.calldata),
				},
				"latest",
			},
			Result: &results[i],
		}
	}

	var lastErr error
	for retry := 0; retry < a.rt.Args.MaxRetries; retry++ {
		if err := handle.BatchCall(ctx, batch); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return lastErr
	}

	for i, def := range g.methods {
		f := g.fields[i]
		if batch[i].Error != nil {
			log.Printf("[EVMCaller] %s on %s failed: %v", def.signature, g.addr.Hex(), batch[i].Error)
			continue
		}
		if len(def.retArgs) == 0 {
			f.Value = []byte(results[i])
			continue
		}
		decoded, err := def.retArgs.UnpackValues(results[i])
		if err != nil {
			log.Printf("[EVMCaller] dropping %s on %s: %v", def.signature, g.addr.Hex(), err)
			continue
		}
		if len(decoded) == 1 {
			f.Value = decoded[0]
		} else {
			f.Value = decoded
		}
	}
	return nil
}
