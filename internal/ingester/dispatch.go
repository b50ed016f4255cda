// Package ingester implements the source adapters: one per source family,
// all behind the same shape — a setup step that compiles the ingester's
// fields into an executable tick body, registered with the scheduler.
package ingester

import (
	"errors"
	"fmt"
	"strings"

	"chomp/internal/model"
	"chomp/internal/runtime"
	"chomp/internal/scheduler"
)

var ErrInvalidSignature = errors.New("invalid signature")
var ErrInvalidTarget = errors.New("invalid target")

// Schedule compiles ing into its adapter's tick body and registers it.
// A setup failure is fatal for the offending ingester only; callers skip it
// and keep the rest of the fleet running.
func Schedule(rt *runtime.Runtime, ing *model.Ingester) error {
	var fn scheduler.IngestFn
	var err error

	switch ing.Type {
	case model.TypeHTTPAPI:
		fn, err = newHTTPAPI(rt, ing)
	case model.TypeWSAPI:
		fn, err = newWSAPI(rt, ing)
	case model.TypeStaticScrapper:
		fn, err = newStaticScrapper(rt, ing)
	case model.TypeEVMCaller:
		fn, err = newEVMCaller(rt, ing)
	case model.TypeEVMLogger:
		fn, err = newEVMLogger(rt, ing)
	case model.TypeSolanaCaller:
		fn, err = newSolanaCaller(rt, ing)
	case model.TypeSolanaLogger:
		fn, err = newSolanaLogger(rt, ing)
	case model.TypeSuiCaller:
		fn, err = newSuiCaller(rt, ing)
	case model.TypeSuiLogger:
		fn, err = newSuiLogger(rt, ing)
	case model.TypeAptosLogger:
		fn, err = newAptosLogger(rt, ing)
	case model.TypeTONCaller:
		fn, err = newTONCaller(rt, ing)
	case model.TypeTONLogger:
		fn, err = newTONLogger(rt, ing)
	case model.TypeProcessor:
		fn, err = newProcessor(rt, ing)
	default:
		return fmt.Errorf("unknown ingester type %q", ing.Type)
	}
	if err != nil {
		return fmt.Errorf("setup %s: %w", ing.Name, err)
	}
	return rt.Scheduler.AddIngester(ing, fn, true)
}

// splitChainAddr splits a chain target locator "chainId:address".
func splitChainAddr(target string) (string, string, error) {
	chainID, addr, ok := strings.Cut(target, ":")
	if !ok || chainID == "" || addr == "" {
		return "", "", fmt.Errorf("%w: %q, want chainId:address", ErrInvalidTarget, target)
	}
	return chainID, addr, nil
}
