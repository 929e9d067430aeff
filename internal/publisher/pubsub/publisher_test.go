package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublisher_PublishToFakeServer(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	_, err := srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/project-id/topics/records"})
	require.NoError(t, err)

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	pub, err := Dial(ctx, "project-id", "records", option.WithGRPCConn(conn))
	require.NoError(t, err)

	id, err := pub.Publish(ctx, "record.inserted", map[string]string{"id": "42"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "record.inserted", msgs[0].Attributes[EventAttribute])

	var body map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, "42", body["id"])
}

func TestPublisher_Unconfigured(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "e", "x")
	require.Error(t, err)

	_, err = Dial(context.Background(), "", "records")
	require.Error(t, err)
}

func TestCarrierKeys(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
