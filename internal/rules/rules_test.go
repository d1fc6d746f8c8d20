package rules

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_UnmappedReturnsHost(t *testing.T) {
	table := New(map[string]string{"example.com": "other.com"})

	assert.Equal(t, "unrelated.org", table.Resolve("unrelated.org"))
}

func TestResolve_ExactMatch(t *testing.T) {
	table := New(map[string]string{"example.com": "other.com"})

	assert.Equal(t, "other.com", table.Resolve("example.com"))
}

func TestResolve_SubdomainSuffix(t *testing.T) {
	table := New(map[string]string{"example.com": "other.com"})

	assert.Equal(t, "other.com", table.Resolve("api.example.com"))
	assert.Equal(t, "other.com", table.Resolve("deep.api.example.com"))
}

// TestResolve_SuffixOverMatch pins the suffix rule's lack of a dot
// boundary: "notexample.com" ends with "example.com" and therefore
// matches a rule for "example.com". Existing deployments rely on this.
func TestResolve_SuffixOverMatch(t *testing.T) {
	table := New(map[string]string{"example.com": "other.com"})

	assert.Equal(t, "other.com", table.Resolve("notexample.com"))
}

func TestResolve_StripsSchemeAndPort(t *testing.T) {
	table := New(map[string]string{"example.com": "other.com"})

	assert.Equal(t, "other.com", table.Resolve("https://example.com"))
	assert.Equal(t, "other.com", table.Resolve("example.com:8443"))
	assert.Equal(t, "other.com", table.Resolve("http://example.com:80"))

	// Unmapped hosts come back stripped too.
	assert.Equal(t, "unrelated.org", table.Resolve("https://unrelated.org:443"))
}

func TestResolve_IPv6HostPort(t *testing.T) {
	table := New(map[string]string{"::1": "local.test"})

	// Bracketed IPv6 literals keep their full address when the port is
	// stripped.
	assert.Equal(t, "local.test", table.Resolve("[::1]:8080"))
	assert.Equal(t, "2001:db8::7", table.Resolve("[2001:db8::7]:443"))
}

func TestNew_NormalizesSchemes(t *testing.T) {
	table := New(map[string]string{"http://example.com": "https://other.com"})

	snap := table.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "other.com", snap["example.com"])
}

func TestAdd_InsertAndReplace(t *testing.T) {
	table := New(nil)

	require.NoError(t, table.Add("example.com", "other.com"))
	assert.Equal(t, "other.com", table.Resolve("example.com"))

	require.NoError(t, table.Add("example.com", "third.com"))
	assert.Equal(t, "third.com", table.Resolve("example.com"))
	assert.Equal(t, 1, table.Len())
}

func TestAdd_RejectsEmpty(t *testing.T) {
	table := New(nil)

	require.ErrorIs(t, table.Add("", "other.com"), ErrInvalidRule)
	require.ErrorIs(t, table.Add("example.com", ""), ErrInvalidRule)
	require.ErrorIs(t, table.Add("  ", "other.com"), ErrInvalidRule)
	assert.Equal(t, 0, table.Len())
}

func TestDelete_RemovesRule(t *testing.T) {
	table := New(map[string]string{"example.com": "other.com"})

	require.NoError(t, table.Delete("example.com"))
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, "example.com", table.Resolve("example.com"))
}

func TestDelete_NotFound(t *testing.T) {
	table := New(nil)

	err := table.Delete("missing.com")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), `"missing.com"`)
}

func TestOnChange_ReceivesSnapshot(t *testing.T) {
	table := New(nil)

	var got map[string]string
	table.SetOnChange(func(m map[string]string) error {
		got = m
		return nil
	})

	require.NoError(t, table.Add("example.com", "other.com"))
	require.Equal(t, map[string]string{"example.com": "other.com"}, got)

	require.NoError(t, table.Delete("example.com"))
	assert.Empty(t, got)
}

func TestOnChange_FailureRollsBack(t *testing.T) {
	table := New(map[string]string{"example.com": "other.com"})
	table.SetOnChange(func(map[string]string) error {
		return fmt.Errorf("disk full")
	})

	err := table.Add("new.com", "target.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist rules")

	// The failed mutation must not be visible.
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, "new.com", table.Resolve("new.com"))
}

func TestSnapshot_IsACopy(t *testing.T) {
	table := New(map[string]string{"example.com": "other.com"})

	snap := table.Snapshot()
	snap["example.com"] = "tampered.com"
	snap["injected.com"] = "evil.com"

	assert.Equal(t, "other.com", table.Resolve("example.com"))
	assert.Equal(t, 1, table.Len())
}

func TestConcurrentResolveAndMutate(t *testing.T) {
	table := New(map[string]string{"example.com": "other.com"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_ = table.Resolve("api.example.com")
				_ = table.Resolve("unrelated.org")
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			source := fmt.Sprintf("host%d.test", n)
			for j := 0; j < 100; j++ {
				_ = table.Add(source, "target.test")
				_ = table.Delete(source)
			}
		}(i)
	}
	wg.Wait()

	// The seed rule survives all the churn.
	assert.Equal(t, "other.com", table.Resolve("example.com"))
}
