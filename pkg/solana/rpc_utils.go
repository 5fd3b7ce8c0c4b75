package solana

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

// MaxSlotLag is how far behind the freshest checked endpoint a node may be and still be
// picked. A lagging node reports confirmed transfers as missing.
const MaxSlotLag = 150

// RPCCheckResult represents the result of checking an RPC endpoint
type RPCCheckResult struct {
	URL     string        `json:"url"`
	OK      bool          `json:"ok"`
	Slot    uint64        `json:"slot"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// checkRPC asks one endpoint for getHealth and its confirmed slot.
func checkRPC(ctx context.Context, url string, timeout time.Duration) RPCCheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := rpc.New(url)
	start := time.Now()
	if _, err := client.GetHealth(ctx); err != nil {
		return RPCCheckResult{URL: url, Latency: time.Since(start), Error: err.Error()}
	}
	slot, err := client.GetSlot(ctx, rpc.CommitmentConfirmed)
	latency := time.Since(start)
	if err != nil {
		return RPCCheckResult{URL: url, Latency: latency, Error: err.Error()}
	}
	return RPCCheckResult{URL: url, OK: true, Slot: slot, Latency: latency}
}

// CheckRPCListAsync checks every endpoint concurrently. Results keep the order of rpcList.
func CheckRPCListAsync(ctx context.Context, rpcList []string, timeout time.Duration) []RPCCheckResult {
	results := make([]RPCCheckResult, len(rpcList))
	var wg sync.WaitGroup
	for i, url := range rpcList {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = checkRPC(ctx, url, timeout)
		}(i, url)
	}
	wg.Wait()
	return results
}

// PickFastestRPC returns the lowest-latency healthy endpoint among those within
// MaxSlotLag of the freshest one. A single endpoint is returned unchecked.
func PickFastestRPC(ctx context.Context, rpcList []string, timeout time.Duration) (string, error) {
	if len(rpcList) == 0 {
		return "", fmt.Errorf("no rpc endpoints configured")
	}
	if len(rpcList) == 1 {
		return rpcList[0], nil
	}

	var healthy []RPCCheckResult
	var top uint64
	for _, res := range CheckRPCListAsync(ctx, rpcList, timeout) {
		if !res.OK {
			continue
		}
		healthy = append(healthy, res)
		if res.Slot > top {
			top = res.Slot
		}
	}
	if len(healthy) == 0 {
		return "", fmt.Errorf("none of %d rpc endpoints is healthy", len(rpcList))
	}

	sort.SliceStable(healthy, func(i, j int) bool { return healthy[i].Latency < healthy[j].Latency })
	for _, res := range healthy {
		if top-res.Slot <= MaxSlotLag {
			return res.URL, nil
		}
	}
	// unreachable: the freshest endpoint always qualifies
	return healthy[0].URL, nil
}
