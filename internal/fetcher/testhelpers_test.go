package fetcher

import (
	"archive/zip"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/zipgeo/internal/resilience"
)

// createTestZIP builds an in-memory ZIP archive from name/content pairs.
func createTestZIP(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// fastFetcher retries quickly so retry tests stay fast.
func fastFetcher(attempts int) *HTTPFetcher {
	retry := resilience.WithAttempts(attempts)
	retry.InitialBackoff = time.Millisecond
	retry.MaxBackoff = 5 * time.Millisecond
	retry.JitterFraction = 0
	return NewHTTPFetcher(HTTPOptions{Timeout: 5 * time.Second, Retry: retry})
}

const kenAllRows = "01101,\"060  \",\"0600000\",\"ﾎｯｶｲﾄﾞｳ\",\"ｻｯﾎﾟﾛｼﾁｭｳｵｳｸ\",\"ｲｶﾆｹｲｻｲｶﾞﾅｲﾊﾞｱｲ\",\"北海道\",\"札幌市中央区\",\"以下に掲載がない場合\",0,0,0,0,0,0\n"
