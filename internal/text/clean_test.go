package text

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanFeedText(t *testing.T) {
	in := "First  paragraph here.\r\n\r\n\r\n\r\nSecond\t\tparagraph.\n" +
		"The post Hybrid Search appeared first on Example Blog.\n" +
		"Continue reading →"

	assert.Equal(t, "First paragraph here.\n\nSecond paragraph.", CleanFeedText(in))
}
