package copyengine

import "errors"

// errNoBulkCopy signals that the platform has no bulk-copy primitive beyond
// what the buffered fallback already provides, so CopyFile should move
// straight to copyStream without treating the attempt as a demotion-worthy
// failure.
var errNoBulkCopy = errors.New("no platform bulk-copy primitive available")
