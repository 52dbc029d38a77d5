package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMurmur3PartitionerKnownVector(t *testing.T) {
	p := Murmur3Partitioner{}
	got := p.Hash([]byte("foo"))
	assert.Equal(t, Token(0x4f38a2c6f83680d6), got)
}

func TestMurmur3PartitionerEmptyKey(t *testing.T) {
	p := Murmur3Partitioner{}
	assert.NotPanics(t, func() { p.Hash(nil) })
}

func TestRandomPartitionerIsDeterministic(t *testing.T) {
	p := RandomPartitioner{}
	key := []byte("fartymcfartyfart")
	a := p.Hash(key)
	b := p.Hash(key)
	assert.Equal(t, a, b)
}

func TestOrderedPartitionerPreservesLexicalOrder(t *testing.T) {
	p := OrderedPartitioner{}
	assert.True(t, p.Hash([]byte("a")) < p.Hash([]byte("b")))
	assert.True(t, p.Hash([]byte("aa")) < p.Hash([]byte("ab")))
}

func TestForNameResolvesByClassSuffix(t *testing.T) {
	assert.IsType(t, Murmur3Partitioner{}, ForName("org.apache.cassandra.dht.Murmur3Partitioner"))
	assert.IsType(t, RandomPartitioner{}, ForName("org.apache.cassandra.dht.RandomPartitioner"))
	assert.IsType(t, OrderedPartitioner{}, ForName("org.apache.cassandra.dht.ByteOrderedPartitioner"))
}
