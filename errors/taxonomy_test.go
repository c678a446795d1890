package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokenWorldKindOf(t *testing.T) {
	err := BrokenWorld("world1", "peer 1 missed heartbeat")
	assert.Equal(t, KindBrokenWorld, KindOf(err))
	assert.True(t, IsKind(err, KindBrokenWorld))
	assert.False(t, IsKind(err, KindStoreError))
}

func TestWorldErrorUnwrap(t *testing.T) {
	cause := New("connection reset by peer")
	err := BrokenWorldWrap("world1", "transport fault", cause)

	var we *WorldError
	require.True(t, As(err, &we))
	assert.Equal(t, "world1", we.World)
	assert.Equal(t, KindBrokenWorld, we.Kind)
	assert.ErrorIs(t, err, cause)
}

func TestAlreadyExistsAndNotFound(t *testing.T) {
	assert.Equal(t, KindAlreadyExists, KindOf(AlreadyExists("world1")))
	assert.Equal(t, KindNotFound, KindOf(NotFound("world9")))
}

func TestInvalidArgument(t *testing.T) {
	err := InvalidArgument("world1", "rank 5 >= size 3")
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	assert.Contains(t, err.Error(), "rank 5 >= size 3")
}

func TestUnclassifiedForPlainErrors(t *testing.T) {
	assert.Equal(t, KindUnclassified, KindOf(New("some other failure")))
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindAlreadyExists:   "AlreadyExists",
		KindNotFound:        "NotFound",
		KindInvalidArgument: "InvalidArgument",
		KindStoreError:      "StoreError",
		KindTransportFault:  "TransportFault",
		KindBrokenWorld:     "BrokenWorld",
		KindUnclassified:    "Unclassified",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}
