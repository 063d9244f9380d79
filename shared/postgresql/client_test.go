package postgresql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{
			name:   "plain values",
			config: Config{Host: "db", Port: 5432, User: "toolmeter", Password: "pw", Database: "toolmeter_db", SSLMode: "disable"},
			want:   "host=db port=5432 user=toolmeter password=pw dbname=toolmeter_db sslmode=disable connect_timeout=5",
		},
		{
			name:   "empty values are omitted",
			config: Config{Host: "db", Port: 5432, Database: "toolmeter_db", ApplicationName: "creditctl"},
			want:   "host=db port=5432 dbname=toolmeter_db application_name=creditctl connect_timeout=5",
		},
		{
			name:   "quoted password",
			config: Config{Host: "db", Port: 5432, Password: `it's a \secret`, Database: "d"},
			want:   `host=db port=5432 password='it\'s a \\secret' dbname=d connect_timeout=5`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.DSN())
		})
	}
}
