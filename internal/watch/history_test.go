package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"anchorwatch/internal/models"
)

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	assert.Empty(t, h.Items())

	for i := 1; i <= 5; i++ {
		h.Push(models.Position{TimestampMs: int64(i)})
	}
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 3, h.Cap())

	var got []int64
	for _, p := range h.Items() {
		got = append(got, p.TimestampMs)
	}
	assert.Equal(t, []int64{3, 4, 5}, got)

	h.Reset()
	assert.Equal(t, 0, h.Len())
	h.Push(models.Position{TimestampMs: 9})
	assert.Equal(t, int64(9), h.Items()[0].TimestampMs)
}

func TestHistoryItemsIsACopy(t *testing.T) {
	h := NewHistory(2)
	h.Push(models.Position{Latitude: 1})
	items := h.Items()
	items[0].Latitude = 99
	assert.Equal(t, 1.0, h.Items()[0].Latitude)
}

func TestHistoryDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultHistorySize, NewHistory(0).Cap())
}
