// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/retry"
	"github.com/stretchr/testify/require"
)

func TestConnackErrorKinds(t *testing.T) {
	for code, kind := range map[byte]errors.Kind{
		0x86: errors.ConfigurationInvalid,
		0x87: errors.ConfigurationInvalid,
		0x88: errors.TransportFailure,
		0x89: errors.TransportFailure,
	} {
		err := connackError(&paho.Connack{ReasonCode: code}, nil)
		require.Equal(t, kind, errors.KindOf(err), "0x%x", code)
		require.Equal(t, kind == errors.TransportFailure, retry.Retryable(err))
	}
}
