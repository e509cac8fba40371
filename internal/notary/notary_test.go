package notary

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"bridgewatch/internal/domain"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func testRequest() Request {
	return Request{
		AlertID:  "a-1",
		Event:    domain.EventCreated,
		Severity: domain.SeverityCritical,
		At:       time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Snapshot: domain.Snapshot{AssetID: "br-1", SHI: 21.43, Confidence: 0.09, Status: domain.StatusCritical, SampleCount: 1},
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a, err := Fingerprint(testRequest())
	if err != nil {
		t.Fatalf("计算指纹失败: %v", err)
	}
	b, _ := Fingerprint(testRequest())
	if a != b {
		t.Fatalf("相同输入指纹应一致: %s vs %s", a.Hex(), b.Hex())
	}
	if !Verify(testRequest(), a.Hex()) {
		t.Fatal("Verify 应通过")
	}
}

func TestFingerprintBindsEveryField(t *testing.T) {
	base, _ := Fingerprint(testRequest())
	mutations := map[string]func(*Request){
		"alert":      func(r *Request) { r.AlertID = "a-2" },
		"event":      func(r *Request) { r.Event = domain.EventResolved },
		"timestamp":  func(r *Request) { r.At = r.At.Add(time.Nanosecond) },
		"asset":      func(r *Request) { r.Snapshot.AssetID = "br-2" },
		"shi":        func(r *Request) { r.Snapshot.SHI = 21.44 },
		"confidence": func(r *Request) { r.Snapshot.Confidence = 0.1 },
		"status":     func(r *Request) { r.Snapshot.Status = domain.StatusCaution },
		"count":      func(r *Request) { r.Snapshot.SampleCount = 2 },
		"severity":   func(r *Request) { r.Severity = domain.SeverityHigh },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := testRequest()
			mutate(&r)
			fp, err := Fingerprint(r)
			if err != nil {
				t.Fatalf("计算指纹失败: %v", err)
			}
			if fp == base {
				t.Fatalf("修改 %s 后指纹应变化", name)
			}
		})
	}
}

type fakeAnchor struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakeAnchor) Anchor(ctx context.Context, rec Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", domain.ErrNotarizationUnavailable
	}
	return "0xtx-" + rec.AlertID, nil
}

func TestNotarizerAnchorsAsynchronouslyWithRetry(t *testing.T) {
	anchor := &fakeAnchor{failures: 2}
	var gotRef, gotFP string
	var mu sync.Mutex
	n := New(Options{
		Anchor:         anchor,
		Workers:        1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		OnAnchored: func(rec Record, ref string) {
			mu.Lock()
			gotRef, gotFP = ref, rec.Fingerprint.Hex()
			mu.Unlock()
		},
	}, zerolog.Nop())

	alert := domain.Alert{ID: "a-1", AssetID: "br-1", Severity: domain.SeverityCritical}
	fp := n.Notarize(context.Background(), alert, domain.EventCreated, domain.Snapshot{SHI: 20}, time.Now())
	if fp == "" {
		t.Fatal("应立即返回指纹")
	}

	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if anchor.calls != 3 {
		t.Fatalf("应重试至成功, 调用 %d 次", anchor.calls)
	}
	if gotRef != "0xtx-a-1" || gotFP != fp {
		t.Fatalf("回调参数不正确: ref=%s fp=%s", gotRef, gotFP)
	}
}

func TestNotarizerWithoutAnchor(t *testing.T) {
	n := New(Options{}, zerolog.Nop())
	fp := n.Notarize(context.Background(), domain.Alert{ID: "a", AssetID: "b"}, domain.EventResolved, domain.Snapshot{}, time.Now())
	if len(fp) != 66 {
		t.Fatalf("指纹应为 32 字节十六进制: %q", fp)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("无 anchor 时关闭不应报错: %v", err)
	}
}

func TestHTTPAnchorSuccess(t *testing.T) {
	var received logRequest
	var idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blockchain/log" {
			t.Fatalf("路径不正确: %s", r.URL.Path)
		}
		idem = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "verified", "txHash": "0xabc", "network": "Polygon POS"})
	}))
	defer srv.Close()

	fp, _ := Fingerprint(testRequest())
	anchor := NewHTTPAnchor(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	ref, err := anchor.Anchor(context.Background(), Record{Request: testRequest(), Fingerprint: fp})
	if err != nil {
		t.Fatalf("锚定应成功: %v", err)
	}
	if ref != "0xabc" {
		t.Fatalf("txHash 不正确: %s", ref)
	}
	if received.EventID != "a-1" || received.Type != "CREATED" || received.Fingerprint != fp.Hex() {
		t.Fatalf("请求体不正确: %+v", received)
	}
	if idem != fp.Hex() {
		t.Fatalf("Idempotency-Key 应为指纹: %s", idem)
	}
}

func TestHTTPAnchorErrorClassification(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
	}))
	defer srv.Close()

	anchor := NewHTTPAnchor(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	rec := Record{Request: testRequest()}

	if _, err := anchor.Anchor(context.Background(), rec); !errors.Is(err, domain.ErrNotarizationUnavailable) {
		t.Fatalf("5xx 应视为暂不可用: %v", err)
	}

	status = http.StatusBadRequest
	_, err := anchor.Anchor(context.Background(), rec)
	if err == nil || errors.Is(err, domain.ErrNotarizationUnavailable) {
		t.Fatalf("4xx 不应重试: %v", err)
	}
}

func TestEthereumAnchorMissingConfig(t *testing.T) {
	if _, err := NewEthereumAnchor(EthereumOptions{}, zerolog.Nop()); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}
	if _, err := NewEthereumAnchor(EthereumOptions{RPCURL: "http://localhost"}, zerolog.Nop()); err == nil {
		t.Fatal("缺少私钥应报错")
	}
	if _, err := NewEthereumAnchor(EthereumOptions{RPCURL: "http://localhost", PrivateKey: "zz"}, zerolog.Nop()); err == nil {
		t.Fatal("非法私钥应报错")
	}
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

func TestEthereumAnchorSendsSignedTransaction(t *testing.T) {
	var sent atomic.Pointer[types.Transaction]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("解析 RPC 请求失败: %v", err)
			return
		}
		var result any
		switch req.Method {
		case "eth_chainId":
			result = "0x539"
		case "eth_getTransactionCount":
			result = "0x5"
		case "eth_gasPrice":
			result = "0x3b9aca00"
		case "eth_estimateGas":
			result = "0x5208"
		case "eth_sendRawTransaction":
			raw, err := hexutil.Decode(req.Params[0].(string))
			if err != nil {
				t.Errorf("解码交易失败: %v", err)
			}
			tx := new(types.Transaction)
			if err := tx.UnmarshalBinary(raw); err != nil {
				t.Errorf("解析交易失败: %v", err)
			}
			sent.Store(tx)
			result = tx.Hash().Hex()
		default:
			t.Errorf("未预期的 RPC 方法: %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	defer srv.Close()

	anchor, err := NewEthereumAnchor(EthereumOptions{RPCURL: srv.URL, PrivateKey: testKey, Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	defer anchor.Close()

	fp, _ := Fingerprint(testRequest())
	ref, err := anchor.Anchor(context.Background(), Record{Request: testRequest(), Fingerprint: fp})
	if err != nil {
		t.Fatalf("锚定应成功: %v", err)
	}

	tx := sent.Load()
	if tx == nil {
		t.Fatal("应发送交易")
	}
	if ref != tx.Hash().Hex() {
		t.Fatalf("返回的引用应为交易哈希: %s", ref)
	}
	if string(tx.Data()) != string(fp.Bytes()) || tx.Nonce() != 5 || tx.Gas() != 21000 {
		t.Fatalf("交易字段不正确: data=%x nonce=%d gas=%d", tx.Data(), tx.Nonce(), tx.Gas())
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil || sender != anchor.From() {
		t.Fatalf("签名地址不正确: %s err=%v", sender.Hex(), err)
	}
}

// flakyNode accepts raw transactions but answers the send with the scripted
// errors in order; an empty entry means success.
type flakyNode struct {
	mu      sync.Mutex
	sendErr []string
	nonces  []string
	raw     []string
	lookups int
}

func (n *flakyNode) serve(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("解析 RPC 请求失败: %v", err)
			return
		}
		n.mu.Lock()
		defer n.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "eth_chainId":
			resp["result"] = "0x539"
		case "eth_getTransactionCount":
			resp["result"] = n.nonces[0]
			if len(n.nonces) > 1 {
				n.nonces = n.nonces[1:]
			}
		case "eth_gasPrice":
			resp["result"] = "0x3b9aca00"
		case "eth_estimateGas":
			resp["result"] = "0x5208"
		case "eth_getTransactionByHash":
			n.lookups++
			resp["result"] = nil
		case "eth_sendRawTransaction":
			raw := req.Params[0].(string)
			n.raw = append(n.raw, raw)
			msg := ""
			if len(n.sendErr) > 0 {
				msg, n.sendErr = n.sendErr[0], n.sendErr[1:]
			}
			if msg != "" {
				resp["error"] = map[string]any{"code": -32000, "message": msg}
				break
			}
			tx := new(types.Transaction)
			if err := tx.UnmarshalBinary(hexutil.MustDecode(raw)); err != nil {
				t.Errorf("解析交易失败: %v", err)
			}
			resp["result"] = tx.Hash().Hex()
		default:
			t.Errorf("未预期的 RPC 方法: %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func decodeTx(t *testing.T, raw string) *types.Transaction {
	t.Helper()
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(hexutil.MustDecode(raw)); err != nil {
		t.Fatalf("解析交易失败: %v", err)
	}
	return tx
}

func TestEthereumAnchorRetryResendsSameTransaction(t *testing.T) {
	node := &flakyNode{
		sendErr: []string{"request timed out", "already known"},
		nonces:  []string{"0x5", "0x6"},
	}
	srv := node.serve(t)
	defer srv.Close()

	anchor, err := NewEthereumAnchor(EthereumOptions{RPCURL: srv.URL, PrivateKey: testKey, Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	defer anchor.Close()

	fp, _ := Fingerprint(testRequest())
	rec := Record{Request: testRequest(), Fingerprint: fp}

	if _, err := anchor.Anchor(context.Background(), rec); !errors.Is(err, domain.ErrNotarizationUnavailable) {
		t.Fatalf("发送超时应可重试: %v", err)
	}
	ref, err := anchor.Anchor(context.Background(), rec)
	if err != nil {
		t.Fatalf("节点已收到交易时重试应成功: %v", err)
	}

	if len(node.raw) != 2 || node.raw[0] != node.raw[1] {
		t.Fatalf("重试应重发同一笔已签名交易, 实际发送 %d 笔", len(node.raw))
	}
	if tx := decodeTx(t, node.raw[0]); ref != tx.Hash().Hex() || tx.Nonce() != 5 {
		t.Fatalf("应返回原交易哈希: ref=%s nonce=%d", ref, tx.Nonce())
	}

	// 确认后不再缓存, 同一指纹再次锚定会签新交易
	if _, err := anchor.Anchor(context.Background(), rec); err != nil {
		t.Fatalf("再次锚定失败: %v", err)
	}
	if len(node.raw) != 3 || decodeTx(t, node.raw[2]).Nonce() != 6 {
		t.Fatalf("确认后的缓存应被清除")
	}
}

func TestEthereumAnchorResignsWhenNonceWasTaken(t *testing.T) {
	node := &flakyNode{
		sendErr: []string{"request timed out", "nonce too low"},
		nonces:  []string{"0x5", "0x6"},
	}
	srv := node.serve(t)
	defer srv.Close()

	anchor, err := NewEthereumAnchor(EthereumOptions{RPCURL: srv.URL, PrivateKey: testKey, Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	defer anchor.Close()

	fp, _ := Fingerprint(testRequest())
	rec := Record{Request: testRequest(), Fingerprint: fp}

	if _, err := anchor.Anchor(context.Background(), rec); err == nil {
		t.Fatal("首次发送应失败")
	}
	ref, err := anchor.Anchor(context.Background(), rec)
	if err != nil {
		t.Fatalf("nonce 被占用时应重新签名: %v", err)
	}

	if node.lookups != 1 {
		t.Fatalf("应先查询原交易是否存在, 查询 %d 次", node.lookups)
	}
	if len(node.raw) != 3 {
		t.Fatalf("应重发一次后再发送新交易, 实际 %d 笔", len(node.raw))
	}
	fresh := decodeTx(t, node.raw[2])
	if fresh.Nonce() != 6 || ref != fresh.Hash().Hex() || string(fresh.Data()) != string(fp.Bytes()) {
		t.Fatalf("新交易不正确: nonce=%d ref=%s", fresh.Nonce(), ref)
	}
}
