/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wso2/api-platform/resilience/pkg/requestclient"
	"go.uber.org/zap"
)

// CorrelationIDHeader is shared with outbound backend requests
const CorrelationIDHeader = requestclient.CorrelationIDHeader

const loggerKey = "logger"

// CorrelationIDMiddleware takes the caller's X-Correlation-ID, or mints one,
// and binds it to the request context. Backend calls made while serving the
// request (a flush, a recovery run) go out with the same id.
func CorrelationIDMiddleware(baseLogger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(CorrelationIDHeader, id)
		c.Request = c.Request.WithContext(requestclient.WithCorrelationID(c.Request.Context(), id))
		c.Set(loggerKey, baseLogger.With(zap.String("correlation_id", id)))
		c.Next()
	}
}

// GetLogger returns the request-scoped logger, or fallback outside the middleware
func GetLogger(c *gin.Context, fallback *zap.Logger) *zap.Logger {
	if v, exists := c.Get(loggerKey); exists {
		if l, ok := v.(*zap.Logger); ok {
			return l
		}
	}
	return fallback
}

// CorrelationID returns the id bound to the request, or "" when there is none
func CorrelationID(c *gin.Context) string {
	if c.Request == nil {
		return ""
	}
	id, _ := requestclient.CorrelationID(c.Request.Context())
	return id
}
