package echo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"echobridge/echo"
)

func TestFormatType(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		raw       string
		want      string
	}{
		{
			name:      "strips backslash namespace",
			namespace: "App.Notifications",
			raw:       `App\Notifications\OrderShipped`,
			want:      "OrderShipped",
		},
		{
			name:      "strips slash namespace",
			namespace: "App/Notifications",
			raw:       "App/Notifications/OrderShipped",
			want:      "OrderShipped",
		},
		{
			name:      "namespace in another separator style",
			namespace: `App\Notifications`,
			raw:       "App.Notifications.OrderShipped",
			want:      "OrderShipped",
		},
		{
			name:      "type outside namespace is only normalized",
			namespace: "App.Notifications",
			raw:       `Vendor\Package\Alert`,
			want:      "Vendor.Package.Alert",
		},
		{
			name:      "empty namespace",
			namespace: "",
			raw:       `App\Events\Ping`,
			want:      "App.Events.Ping",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, echo.FormatType(tt.namespace, tt.raw))
		})
	}
}

func TestUserChannelName(t *testing.T) {
	assert.Equal(t, "App.Models.User.42", echo.UserChannelName("App/Models/User", "42"))
	assert.Equal(t, "App.Models.User.42", echo.UserChannelName(`App\Models\User`, "42"))
	assert.Equal(t, "users.7", echo.UserChannelName("users", "7"))
}
