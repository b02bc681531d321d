package persistence

import "testing"

func TestKeyLayout(t *testing.T) {
	r := NewRedis(RedisConfig{Root: "/shunt/prod"}, nil)

	if got := r.consumerKey("firehose-0", 3); got != "/shunt/prod/consumers/firehose-0/3" {
		t.Errorf("consumer key = %q", got)
	}
	if got := r.requestKey("side-1", 12); got != "/shunt/prod/requests/side-1/12" {
		t.Errorf("request key = %q", got)
	}
}

func TestSplitRequestKey(t *testing.T) {
	id, partition, ok := splitRequestKey("/shunt/prod", "/shunt/prod/requests/side-1/12")
	if !ok {
		t.Fatal("expected key to split")
	}
	if id != "side-1" || partition != 12 {
		t.Errorf("got id=%q partition=%d", id, partition)
	}

	if _, _, ok := splitRequestKey("/shunt/prod", "/shunt/prod/consumers/x/1"); ok {
		t.Error("consumer keys must not split as request keys")
	}
	if _, _, ok := splitRequestKey("/shunt/prod", "/shunt/prod/requests/side-1/notanumber"); ok {
		t.Error("non-numeric partition must not split")
	}
}

func TestRedisBeforeOpenFails(t *testing.T) {
	r := NewRedis(RedisConfig{Root: "/shunt"}, nil)
	if err := r.PersistConsumerOffset("src", 0, 1); err != ErrNotOpened {
		t.Errorf("expected ErrNotOpened, got %v", err)
	}
}

func TestRedisOpenRequiresAddr(t *testing.T) {
	r := NewRedis(RedisConfig{Root: "/shunt"}, nil)
	if err := r.Open(); err == nil {
		t.Fatal("expected error for missing addr")
	}
}
