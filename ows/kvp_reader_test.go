package ows

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindKvpRequestReader(t *testing.T) {
	featureKind := NewKind("feature", nil)
	pointKind := NewKind("feature.point", featureKind)
	otherKind := NewKind("coverage", nil)

	feature := &BindingReader{Kind: featureKind}
	point := &BindingReader{Kind: pointKind}
	other := &BindingReader{Kind: otherKind}

	// a reader of a parent kind serves its children
	assert.Same(t, feature, findKvpRequestReader([]KvpRequestReader{feature, other}, pointKind))
	// the most specific reader wins
	assert.Same(t, point, findKvpRequestReader([]KvpRequestReader{feature, point, other}, pointKind))
	// a child reader never serves its parent
	assert.Same(t, feature, findKvpRequestReader([]KvpRequestReader{point, feature}, featureKind))
	assert.Nil(t, findKvpRequestReader([]KvpRequestReader{point, other}, featureKind))
}
