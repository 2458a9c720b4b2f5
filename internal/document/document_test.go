package document_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-service/internal/document"
)

// buildPDF writes a minimal uncompressed PDF with one text line per page.
func buildPDF(pages ...string) []byte {
	var objs []string
	n := len(pages)
	kids := make([]string, n)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	)
	for i, text := range pages {
		content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, body := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objs)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func TestPages_PDF(t *testing.T) {
	pages, err := document.Pages(buildPDF("Revenue 10", "Headcount 42"))
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Contains(t, pages[0], "Revenue 10")
	assert.Contains(t, pages[1], "Headcount 42")
}

func TestPages_InvalidPDF(t *testing.T) {
	_, err := document.Pages([]byte("%PDF-1.4\nnot really"))
	require.Error(t, err)
}

func TestPages_PlainTextFallback(t *testing.T) {
	pages, err := document.Pages([]byte("first page\fsecond page"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first page", "second page"}, pages)

	_, err = document.Pages([]byte("   "))
	assert.ErrorIs(t, err, document.ErrNoPages)
}

func TestBlobRoundTrip(t *testing.T) {
	payload := buildPDF("hello")
	enc, err := document.EncodeBlob(payload)
	require.NoError(t, err)

	dec, err := document.DecodeBlob(enc)
	require.NoError(t, err)
	assert.Equal(t, payload, dec)

	_, err = document.DecodeBlob("not base64!!")
	assert.Error(t, err)
	_, err = document.DecodeBlob(document.StoreEncoding([]byte("plain, not zlib")))
	assert.Error(t, err)
}

func TestWebText(t *testing.T) {
	page := `<html><head><title>t</title><script>var x = 1;</script><style>p{}</style></head>
<body>
  <nav>Home | About</nav>
  <div class="ad">Buy now</div>
  <main>
    <h1>Quarterly   report</h1>
    <p>Revenue grew &amp; margins held.</p>
    <p>See <a href="https://example.com/q3">the filing</a> or <a href="https://example.com/raw"></a></p>
    <aside>related links</aside>
  </main>
  <footer>(c) corp</footer>
</body></html>`

	text, err := document.WebText(strings.NewReader(page))
	require.NoError(t, err)
	assert.Equal(t, "Quarterly report Revenue grew & margins held. See the filing (https://example.com/q3) or https://example.com/raw", text)
}

func TestWebText_NoMainUsesDocument(t *testing.T) {
	text, err := document.WebText(strings.NewReader(`<body><div class="content sidebar">x</div><p>body text</p></body>`))
	require.NoError(t, err)
	assert.Equal(t, "body text", text)
}
