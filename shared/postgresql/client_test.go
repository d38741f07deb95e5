package postgresql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected string
	}{
		{
			name: "plain values",
			config: Config{
				Host: "localhost", Port: 5432, User: "jobs", Password: "jobs",
				Database: "jobs_db", SSLMode: "require",
			},
			expected: "host=localhost port=5432 user=jobs password=jobs dbname=jobs_db sslmode=require",
		},
		{
			name: "sslmode defaults to disable",
			config: Config{
				Host: "db", Port: 5433, User: "u", Password: "p", Database: "d",
			},
			expected: "host=db port=5433 user=u password=p dbname=d sslmode=disable",
		},
		{
			name: "empty password is quoted",
			config: Config{
				Host: "db", Port: 5432, User: "u", Database: "d",
			},
			expected: "host=db port=5432 user=u password='' dbname=d sslmode=disable",
		},
		{
			name: "special characters are escaped",
			config: Config{
				Host: "db", Port: 5432, User: "u", Password: `it's a \secret`, Database: "d",
			},
			expected: `host=db port=5432 user=u password='it\'s a \\secret' dbname=d sslmode=disable`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}
