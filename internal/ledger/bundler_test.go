package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/httpx"
)

var testEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

func newBundlerServer(t *testing.T, handlers map[string]func(params []json.RawMessage) (any, *httpx.RPCError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		handler, ok := handlers[req.Method]
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if !ok {
			resp["error"] = httpx.RPCError{Code: -32601, Message: "method not found"}
		} else if result, rpcErr := handler(req.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestBundler(t *testing.T, url string, client *fakeEVMClient) *BundlerChannel {
	t.Helper()
	return &BundlerChannel{
		HTTP:              httpx.New(2*time.Second, 0),
		URL:               url,
		Client:            client,
		Signer:            testSigner(t),
		EntryPoint:        testEntryPoint,
		DelegationManager: testManager,
	}
}

func TestBundlerSubmitSignsUserOperation(t *testing.T) {
	client := newFakeEVMClient()
	client.callResult = common.LeftPadBytes(big.NewInt(9).Bytes(), 32)
	smartAccount := common.HexToAddress("0x4444444444444444444444444444444444444444")

	var mu sync.Mutex
	var sent, estimated UserOperation
	srv := newBundlerServer(t, map[string]func([]json.RawMessage) (any, *httpx.RPCError){
		"eth_estimateUserOperationGas": func(params []json.RawMessage) (any, *httpx.RPCError) {
			mu.Lock()
			defer mu.Unlock()
			_ = json.Unmarshal(params[0], &estimated)
			return map[string]string{"preVerificationGas": "0x100", "verificationGasLimit": "0x200", "callGasLimit": "0x300"}, nil
		},
		"eth_sendUserOperation": func(params []json.RawMessage) (any, *httpx.RPCError) {
			mu.Lock()
			defer mu.Unlock()
			_ = json.Unmarshal(params[0], &sent)
			var ep common.Address
			_ = json.Unmarshal(params[1], &ep)
			if ep != testEntryPoint {
				return nil, &httpx.RPCError{Code: -32602, Message: "wrong entry point"}
			}
			hash, _ := sent.Hash(testEntryPoint, big.NewInt(10143))
			return hash.Hex(), nil
		},
	})
	ch := newTestBundler(t, srv.URL, client)
	r := testRedemption(smartAccount)

	fees := FeeParams{MaxFeePerGas: big.NewInt(50), MaxPriorityFeePerGas: big.NewInt(5)}
	id, err := ch.Submit(context.Background(), r, fees)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()

	if !bytes.Equal(estimated.Signature, dummySignature) {
		t.Fatalf("estimation should carry the placeholder signature")
	}
	if sent.Sender != smartAccount || bigOf(sent.Nonce).Int64() != 9 {
		t.Fatalf("unexpected sender/nonce: %s/%s", sent.Sender, bigOf(sent.Nonce))
	}
	if bigOf(sent.CallGasLimit).Int64() != 0x300 || bigOf(sent.VerificationGasLimit).Int64() != 0x200 || bigOf(sent.PreVerificationGas).Int64() != 0x100 {
		t.Fatalf("gas estimate not applied: %+v", sent)
	}
	if bigOf(sent.MaxFeePerGas).Int64() != 50 || bigOf(sent.MaxPriorityFeePerGas).Int64() != 5 {
		t.Fatalf("fee params not applied: %+v", sent)
	}

	hash, err := sent.Hash(testEntryPoint, big.NewInt(10143))
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if id != hash.Hex() {
		t.Fatalf("request id %s should be user operation hash %s", id, hash.Hex())
	}
	sig := append([]byte(nil), sent.Signature...)
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(sig))
	}
	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), sig)
	if err != nil || crypto.PubkeyToAddress(*pub) != ch.Signer.Address() {
		t.Fatalf("signature does not recover to owner: %v", err)
	}

	method := smartAccountABI.Methods["execute"]
	if !bytes.Equal(sent.CallData[:4], method.ID) {
		t.Fatalf("callData should call execute, got %x", sent.CallData[:4])
	}
	args, err := method.Inputs.Unpack(sent.CallData[4:])
	if err != nil {
		t.Fatalf("unpack execute: %v", err)
	}
	if args[0].([32]byte) != delegation.ModeSingle {
		t.Fatalf("expected single mode")
	}
	inner := args[1].([]byte)
	redeem, _ := r.Calldata()
	if common.BytesToAddress(inner[:20]) != testManager || new(big.Int).SetBytes(inner[20:52]).Sign() != 0 || !bytes.Equal(inner[52:], redeem) {
		t.Fatalf("inner execution should be manager ‖ 0 ‖ redeem calldata")
	}
}

func TestBundlerSubmitEstimateFailure(t *testing.T) {
	client := newFakeEVMClient()
	client.callResult = common.LeftPadBytes(big.NewInt(1).Bytes(), 32)
	srv := newBundlerServer(t, map[string]func([]json.RawMessage) (any, *httpx.RPCError){
		"eth_estimateUserOperationGas": func([]json.RawMessage) (any, *httpx.RPCError) {
			return nil, &httpx.RPCError{Code: -32500, Message: "AA23 reverted"}
		},
	})
	ch := newTestBundler(t, srv.URL, client)
	_, err := ch.Submit(context.Background(), testRedemption(testTarget), FeeParams{MaxFeePerGas: big.NewInt(1), MaxPriorityFeePerGas: big.NewInt(1)})
	if !clierr.HasCode(err, clierr.CodeSubmission) || !httpx.IsRPCError(err) {
		t.Fatalf("expected submission failure wrapping rpc error, got %v", err)
	}
}

func TestBundlerFeeParameters(t *testing.T) {
	srv := newBundlerServer(t, map[string]func([]json.RawMessage) (any, *httpx.RPCError){
		"pimlico_getUserOperationGasPrice": func([]json.RawMessage) (any, *httpx.RPCError) {
			return map[string]any{
				"slow":     map[string]string{"maxFeePerGas": "0x1", "maxPriorityFeePerGas": "0x1"},
				"standard": map[string]string{"maxFeePerGas": "0x64", "maxPriorityFeePerGas": "0xa"},
			}, nil
		},
	})
	ch := newTestBundler(t, srv.URL, newFakeEVMClient())
	fees, err := ch.FeeParameters(context.Background())
	if err != nil {
		t.Fatalf("FeeParameters failed: %v", err)
	}
	if fees.MaxFeePerGas.Int64() != 100 || fees.MaxPriorityFeePerGas.Int64() != 10 {
		t.Fatalf("expected standard tier, got %+v", fees)
	}
}

func TestBundlerFeeParametersFallsBackToChain(t *testing.T) {
	srv := newBundlerServer(t, nil)
	ch := newTestBundler(t, srv.URL, newFakeEVMClient())
	fees, err := ch.FeeParameters(context.Background())
	if err != nil {
		t.Fatalf("FeeParameters failed: %v", err)
	}
	if fees.MaxFeePerGas.Int64() != 23 {
		t.Fatalf("expected chain fees, got %+v", fees)
	}
}

func TestBundlerReceipt(t *testing.T) {
	txHash := common.HexToHash("0xabc")
	srv := newBundlerServer(t, map[string]func([]json.RawMessage) (any, *httpx.RPCError){
		"eth_getUserOperationReceipt": func(params []json.RawMessage) (any, *httpx.RPCError) {
			var id string
			_ = json.Unmarshal(params[0], &id)
			switch id {
			case "0x01":
				return map[string]any{"success": true, "receipt": map[string]any{"transactionHash": txHash.Hex()}}, nil
			case "0x02":
				return map[string]any{"success": false, "reason": "0x", "receipt": map[string]any{"transactionHash": txHash.Hex()}}, nil
			default:
				return nil, nil
			}
		},
	})
	ch := newTestBundler(t, srv.URL, newFakeEVMClient())

	pending, err := ch.Receipt(context.Background(), "0x03")
	if err != nil || pending != nil {
		t.Fatalf("expected pending, got %+v %v", pending, err)
	}
	ok, err := ch.Receipt(context.Background(), "0x01")
	if err != nil || ok == nil || !ok.Success || ok.TxHash != txHash.Hex() {
		t.Fatalf("unexpected receipt: %+v %v", ok, err)
	}
	bad, err := ch.Receipt(context.Background(), "0x02")
	if err != nil || bad == nil || bad.Success || bad.Reason != "0x" {
		t.Fatalf("unexpected revert receipt: %+v %v", bad, err)
	}
}

func TestUserOperationHashChangesWithFields(t *testing.T) {
	op := UserOperation{
		Sender:   testTarget,
		Nonce:    (*hexutil.Big)(big.NewInt(1)),
		CallData: []byte{0x01},
	}
	a, err := op.Hash(testEntryPoint, big.NewInt(1))
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	b, _ := op.Hash(testEntryPoint, big.NewInt(2))
	op.CallGasLimit = (*hexutil.Big)(big.NewInt(5))
	c, _ := op.Hash(testEntryPoint, big.NewInt(1))
	if a == b || a == c {
		t.Fatalf("hash should bind chain id and gas limits")
	}
}

func TestPackUint128Pair(t *testing.T) {
	got := packUint128Pair(big.NewInt(1), big.NewInt(2))
	if got[15] != 1 || got[31] != 2 {
		t.Fatalf("unexpected packing: %x", got)
	}
}
