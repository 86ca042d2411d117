package cloudvars

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudvar/cloudchat/wstest"
)

func TestEnumerationTerminatesOnDuplicate(t *testing.T) {
	srv := wstest.NewServer(wstest.Options{})
	defer srv.Close()
	srv.Seed("room-1",
		wstest.Entry{Name: "A", Value: "1"},
		wstest.Entry{Name: "B", Value: "2"},
		wstest.Entry{Name: "C", Value: "3"},
	)
	c := testClient(t, srv, Options{})

	got, err := c.GetAll(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"A": "1", "B": "2", "C": "3"}, got,
		"the walk must stop on the wrapped duplicate and exclude it")
	require.Equal(t, 1, srv.Dials())
}

func TestEnumerationTimeoutIsAValidCompletion(t *testing.T) {
	srv := wstest.NewServer(wstest.Options{NeverWrap: true})
	defer srv.Close()
	srv.Seed("room-1",
		wstest.Entry{Name: "A", Value: "1"},
		wstest.Entry{Name: "B", Value: "2"},
	)
	c := testClient(t, srv, Options{})

	// The server never re-pushes a duplicate, so the walk only ends
	// when the timeout fires; whatever was gathered is the result.
	got, err := c.GetAll(300 * time.Millisecond)
	require.NoError(t, err, "an enumeration timeout must resolve, not fail")
	require.Equal(t, map[string]string{"A": "1", "B": "2"}, got)
}

func TestConcurrentReadsShareOneEnumeration(t *testing.T) {
	srv := wstest.NewServer(wstest.Options{})
	defer srv.Close()
	srv.Seed("room-1", wstest.Entry{Name: "A", Value: "1"})
	c := testClient(t, srv, Options{})

	var wg sync.WaitGroup
	const readers = 8
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			got, err := c.GetAll(5 * time.Second)
			require.NoError(t, err)
			require.Equal(t, map[string]string{"A": "1"}, got)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, srv.Dials(),
		"concurrent reads must join one underlying enumeration")
}

func TestReadsWithinTTLHitTheCache(t *testing.T) {
	srv := wstest.NewServer(wstest.Options{})
	defer srv.Close()
	srv.Seed("room-1", wstest.Entry{Name: "A", Value: "1"})
	c := testClient(t, srv, Options{})

	first, err := c.GetAll(5 * time.Second)
	require.NoError(t, err)
	second, err := c.GetAll(5 * time.Second)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, srv.Dials(),
		"a read inside the TTL window must not enumerate again")
}

func TestWriteInvalidatesTheReadCache(t *testing.T) {
	srv := wstest.NewServer(wstest.Options{})
	defer srv.Close()
	srv.Seed("room-1", wstest.Entry{Name: "A", Value: "1"})
	c := testClient(t, srv, Options{})

	_, err := c.GetAll(5 * time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Send("B", "2", time.Second))

	got, err := c.GetAll(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"A": "1", "B": "2"}, got,
		"a read after a write must re-fetch, not serve the pre-write cache")
}

func TestEnumerationHandlesAckAndKeepalive(t *testing.T) {
	srv := wstest.NewServer(wstest.Options{
		AckFirstHandshake: true,
		PingBeforeReply:   true,
	})
	defer srv.Close()
	srv.Seed("room-1", wstest.Entry{Name: "A", Value: "1"})
	c := testClient(t, srv, Options{})

	got, err := c.GetAll(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"A": "1"}, got)
	require.GreaterOrEqual(t, srv.Pongs(), 1)
}

func TestEnumerationIgnoresStrayFrames(t *testing.T) {
	srv := wstest.NewServer(wstest.Options{
		StrayFrames: []string{
			`{"method":"announce","detail":"scheduled maintenance"}`,
			`this is not even JSON`,
		},
	})
	defer srv.Close()
	srv.Seed("room-1", wstest.Entry{Name: "A", Value: "1"})
	c := testClient(t, srv, Options{})

	got, err := c.GetAll(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"A": "1"}, got,
		"stray frames must not disrupt the walk")
}

func TestFind(t *testing.T) {
	srv := wstest.NewServer(wstest.Options{})
	defer srv.Close()
	srv.Seed("room-1",
		wstest.Entry{Name: "A", Value: "1"},
		wstest.Entry{Name: "B", Value: "2"},
	)
	c := testClient(t, srv, Options{})

	v, ok, err := c.Find("B", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v)

	_, ok, err = c.Find("missing", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}
