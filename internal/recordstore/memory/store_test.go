package memory_test

import (
	"testing"

	"example.com/fitsync/internal/recordstore"
	"example.com/fitsync/internal/recordstore/memory"
	"example.com/fitsync/internal/recordstore/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) recordstore.Store {
		return memory.New()
	})
}
