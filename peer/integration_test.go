package peer_test

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"comms-ccf/loadbalance"
	"comms-ccf/peer"
	"comms-ccf/registry"
)

// TestMultiSimulatorWithEtcd 多实例 + 负载均衡 + etcd
// 链路: Peer.Serve → Registry(etcd) → Discover → LB → Dial → Demux → Client → 函数表
func TestMultiSimulatorWithEtcd(t *testing.T) {
	env := os.Getenv("CCF_ETCD_ENDPOINTS")
	if env == "" {
		t.Skip("CCF_ETCD_ENDPOINTS not set")
	}

	// 1. 连接 etcd
	reg, err := registry.NewEtcdRegistry(strings.Split(env, ","))
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	target := "it-" + t.Name()

	// 2. 启动 2 个模拟器，各自向 etcd 注册
	var sims []*peer.Peer
	for _, board := range []string{"sim-a", "sim-b"} {
		p := demoPeer(t, peer.WithRegistry(reg, target, registry.TargetInstance{Weight: 10, Board: board}))
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		go p.Serve(ctx, l)
		sims = append(sims, p)
	}

	// 3. 等待两个实例都可见
	var instances []registry.TargetInstance
	for deadline := time.Now().Add(5 * time.Second); len(instances) < 2; {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 instances, got %d", len(instances))
		}
		time.Sleep(20 * time.Millisecond)
		instances, err = reg.Discover(ctx, target)
		if err != nil {
			t.Fatal(err)
		}
	}

	// 4. 轮询选择，每个实例连一次并调用 add
	bal, err := loadbalance.New("round-robin")
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	for i := 1; i <= 2; i++ {
		inst, err := bal.Pick(instances)
		if err != nil {
			t.Fatal(err)
		}
		seen[inst.Addr] = true

		conn, err := net.Dial("tcp", inst.Addr)
		if err != nil {
			t.Fatalf("dial %s: %v", inst.Addr, err)
		}
		h := connect(t, ctx, conn)
		got, err := h.client.Invoke(ctxTimeout(t, time.Second), "add", i, i*10)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if got != uint64(i+i*10) {
			t.Fatalf("request %d: expect %d, got %v", i, i+i*10, got)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("round robin should visit both simulators, visited %v", seen)
	}

	// 5. 清理：注销 + 关闭模拟器
	for _, p := range sims {
		if err := p.Shutdown(3 * time.Second); err != nil {
			t.Fatal(err)
		}
	}
	instances, err = reg.Discover(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 0 {
		t.Fatalf("expected no instances after shutdown, got %v", instances)
	}
}
