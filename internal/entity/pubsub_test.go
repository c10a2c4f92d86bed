package entity

import (
	"testing"
	"time"
)

func subscribeSession(t *testing.T, c *testCluster, sess, target uint64, topic string) subscribed {
	t.Helper()
	got, err := Ask[subscribed](testContext(t), c.client(), sessionID(sess), subscribeTo{Target: playerID(target), Topic: topic})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return got
}

func TestPubSub_PublishReachesTopicSubscribers(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)
	ctx := testContext(t)

	if got := subscribeSession(t, c, 1, 1, "scores"); got.Welcome != "welcome to scores" {
		t.Errorf("Welcome = %q", got.Welcome)
	}
	subscribeSession(t, c, 2, 1, "chat")

	resp, err := Ask[greeting](ctx, c.client(), playerID(1), publish{Topic: "scores", Text: "3:1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.Text != "2" {
		t.Errorf("subscriber count = %s, want 2", resp.Text)
	}
	if got := receive(t, c.p.news); got != "3:1" {
		t.Errorf("news = %q, want 3:1", got)
	}
	select {
	case extra := <-c.p.news:
		t.Errorf("unexpected second delivery %q", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPubSub_RefusedSubscription(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)

	if got := subscribeSession(t, c, 1, 1, "closed"); !got.Refused {
		t.Fatal("subscription to a closed topic was accepted")
	}
	resp, err := Ask[greeting](testContext(t), c.client(), playerID(1), publish{Topic: "closed"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.Text != "0" {
		t.Errorf("subscriber count = %s, want 0", resp.Text)
	}
}

func TestPubSub_TargetCrashLosesSubscription(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)
	subscribeSession(t, c, 1, 1, "scores")

	if _, err := Ask[greeting](testContext(t), c.client(), playerID(1), boom{}); err == nil {
		t.Fatal("boom did not fail")
	}
	if got := receive(t, c.p.lost); got != playerID(1) {
		t.Errorf("lost subscription to %v, want %v", got, playerID(1))
	}
}

func TestPubSub_Unsubscribe(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)
	ctx := testContext(t)
	subscribeSession(t, c, 1, 1, "scores")

	got, err := Ask[unsubscribed](ctx, c.client(), sessionID(1), unsubscribeAll{})
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if len(got.Results) != 1 || got.Results[0] != UnsubscribeSuccess {
		t.Errorf("results = %v, want [success]", got.Results)
	}
	if who := receive(t, c.p.goodbyes); who != sessionID(1) {
		t.Errorf("goodbye from %v, want %v", who, sessionID(1))
	}
	resp, err := Ask[greeting](ctx, c.client(), playerID(1), publish{Topic: "scores"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.Text != "0" {
		t.Errorf("subscriber count = %s, want 0", resp.Text)
	}
}

func TestPubSub_StaleIncarnationIsAnsweredAsUnknown(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)
	subscribeSession(t, c, 1, 1, "scores")
	sess := c.actor(t, sessionID(1))
	target := c.actor(t, playerID(1))

	// The session's first channel id is 1.
	if err := target.post(&pubsubMail{
		toTarget:            true,
		channel:             1,
		senderChannel:       1,
		senderIncarnation:   sess.Incarnation(),
		receiverIncarnation: target.Incarnation() + 1,
		sender:              sess,
	}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if got := receive(t, c.p.lost); got != playerID(1) {
		t.Errorf("lost subscription to %v, want %v", got, playerID(1))
	}
}

func TestPubSub_LingerCancelledBySubscriber(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t, withLinger(30*time.Millisecond))
	subscribeSession(t, c, 1, 1, "scores")

	select {
	case id := <-c.p.shutdowns:
		t.Fatalf("%v shut down while it had a subscriber", id)
	case <-time.After(80 * time.Millisecond):
	}

	if _, err := Ask[unsubscribed](testContext(t), c.client(), sessionID(1), unsubscribeAll{}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := receive(t, c.p.shutdowns); got != playerID(1) {
		t.Errorf("shutdown of %v, want %v", got, playerID(1))
	}
}

func TestUnsubscribeResult_String(t *testing.T) {
	t.Parallel()
	if UnsubscribeSuccess.String() != "success" || UnsubscribeUnknown.String() != "unknown" {
		t.Errorf("got %s/%s", UnsubscribeSuccess, UnsubscribeUnknown)
	}
}

func TestPubSub_TargetForgetsStoppedWatchers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		unsubscribe bool
	}{
		{"unsubscribed then stopped", true},
		{"stopped while subscribed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestCluster(t)
			target := c.actor(t, playerID(1))

			const sessions = 50
			for i := uint64(1); i <= sessions; i++ {
				subscribeSession(t, c, i, 1, "scores")
			}
			if got := target.watcherCount(); got != sessions {
				t.Fatalf("watchers = %d, want %d", got, sessions)
			}

			for i := uint64(1); i <= sessions; i++ {
				sess := c.actor(t, sessionID(i))
				if tt.unsubscribe {
					if _, err := Ask[unsubscribed](testContext(t), c.client(), sessionID(i), unsubscribeAll{}); err != nil {
						t.Fatalf("unsubscribe: %v", err)
					}
				}
				sess.Stop()
				<-sess.Done()
			}
			waitFor(t, func() bool { return target.watcherCount() == 0 })

			resp, err := Ask[greeting](testContext(t), c.client(), playerID(1), publish{Topic: "scores"})
			if err != nil {
				t.Fatalf("publish: %v", err)
			}
			if resp.Text != "0" {
				t.Errorf("subscriber count = %s, want 0", resp.Text)
			}
		})
	}
}

func TestPubSub_WatchCountsEveryChannel(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)
	target := c.actor(t, playerID(1))
	sess := c.actor(t, sessionID(1))

	subscribeSession(t, c, 1, 1, "scores")
	subscribeSession(t, c, 1, 1, "chat")
	if got := target.watcherCount(); got != 1 {
		t.Fatalf("watchers with two channels from one session = %d, want 1", got)
	}
	waitFor(t, func() bool { return sess.watcherCount() == 1 })

	target.removeWatcher(sess)
	if got := target.watcherCount(); got != 1 {
		t.Errorf("watchers after one release = %d, want 1", got)
	}
	target.addWatcher(sess)

	if _, err := Ask[unsubscribed](testContext(t), c.client(), sessionID(1), unsubscribeAll{}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := target.watcherCount(); got != 0 {
		t.Errorf("target watchers after unsubscribe = %d, want 0", got)
	}
	waitFor(t, func() bool { return sess.watcherCount() == 0 })
}
