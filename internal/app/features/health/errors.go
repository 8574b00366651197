package health

import "errors"

var errNoVault = errors.New("vault not configured")
