package symerr

import (
	"errors"
	"os"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ErrorSuite struct{}

func TestError(t *testing.T) {
	suite.RunTests(t, &ErrorSuite{})
}

func (ErrorSuite) TestLeaf(t *testing.T) {
	err := New(InvalidDwarf, "bad abbreviation table")
	expect.Equal(t, "bad abbreviation table", err.Error())
	expect.Equal(t, "bad abbreviation table", err.Short())
	expect.Equal(t, InvalidDwarf, err.Kind())
	expect.Equal(t, InvalidDwarf, KindOf(err))
}

func (ErrorSuite) TestContextChain(t *testing.T) {
	leaf := Newf(NotFound, "section %s not found", ".debug_info")
	wrapped := leaf.Context("failed to parse compile unit")
	wrapped = wrapped.Contextf("failed to resolve address %#x", 0x1000)

	expect.Equal(
		t,
		"failed to resolve address 0x1000: failed to parse compile unit: section .debug_info not found",
		wrapped.Error())
	expect.Equal(t, NotFound, wrapped.Kind())
	expect.Equal(t, NotFound, KindOf(wrapped))
	expect.True(t, errors.Is(wrapped, leaf))
}

func (ErrorSuite) TestKindOfUnrelatedError(t *testing.T) {
	expect.Equal(t, Other, KindOf(errors.New("plain error")))
	expect.Equal(t, Other, KindOf(nil))
}

func (ErrorSuite) TestFromIOError(t *testing.T) {
	_, err := os.Open("/does/not/exist/ever")
	wrapped := FromIOError(err)
	expect.Equal(t, NotFound, wrapped.Kind())
	expect.True(t, errors.Is(wrapped, err))
}

func (ErrorSuite) TestFromIOErrorNil(t *testing.T) {
	expect.Nil(t, FromIOError(nil))
}
