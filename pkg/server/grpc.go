// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/a2aproject/a2a-go/a2agrpc"
	"google.golang.org/grpc"

	"github.com/kadirpekel/codebridge/pkg/auth"
)

// newGRPCServer builds the A2A gRPC server over the same request handler
// the JSON-RPC routes use.
func (s *HTTPServer) newGRPCServer() *grpc.Server {
	var opts []grpc.ServerOption
	if s.authValidator != nil {
		requireAuth := s.serverCfg.Auth.IsRequireAuth()
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(s.authValidator, requireAuth)),
			grpc.ChainStreamInterceptor(auth.StreamServerInterceptor(s.authValidator, requireAuth)),
		)
	}
	srv := grpc.NewServer(opts...)
	a2agrpc.NewHandler(s.requestHandler).RegisterWith(srv)
	return srv
}

// startGRPC listens on the gRPC address and serves in the background.
// Serve errors are sent to errCh.
func (s *HTTPServer) startGRPC(errCh chan<- error) error {
	lis, err := net.Listen("tcp", s.serverCfg.GRPCAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.serverCfg.GRPCAddress(), err)
	}
	s.grpcServer = s.newGRPCServer()

	slog.Info("gRPC server starting", "address", s.serverCfg.GRPCAddress())
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	return nil
}
